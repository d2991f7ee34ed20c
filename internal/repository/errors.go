package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"

	"crowdfund/pkg/db"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict 状态前置条件不满足，更新影响 0 行
	ErrStatusConflict = errors.New("status precondition failed")
	// ErrVersionConflict 乐观锁版本或附加谓词不匹配
	ErrVersionConflict = errors.New("version conflict")
	// ErrPrecondition 其他业务谓词（如 current_amount = 0）不满足
	ErrPrecondition = errors.New("precondition failed")
	ErrDuplicate    = errors.New("duplicate")
	ErrTxConflict   = errors.New("transaction conflict")
)

// mapErr 把驱动错误翻译为仓库哨兵错误，保留原始错误链
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case db.IsUniqueViolation(err):
		return errors.Join(ErrDuplicate, err)
	case db.IsTxConflict(err):
		return errors.Join(ErrTxConflict, err)
	}
	return err
}
