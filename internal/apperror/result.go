package apperror

import (
	"errors"

	"github.com/google/uuid"
)

// Result 提供给协作方的判别式返回值
type Result[T any] struct {
	Success    bool       `json:"success"`
	Error      Code       `json:"error,omitempty"`
	Category   Category   `json:"category,omitempty"`
	Message    string     `json:"message,omitempty"`
	Fields     []string   `json:"fields,omitempty"`
	ConflictID *uuid.UUID `json:"conflict_id,omitempty"`
	Retryable  bool       `json:"retryable,omitempty"`
	Data       *T         `json:"data,omitempty"`
}

// ToResult 把 (entity, err) 转为 Result，内部错误不向外暴露细节
func ToResult[T any](data *T, err error) Result[T] {
	if err == nil {
		return Result[T]{Success: true, Data: data}
	}

	var ae *Error
	if !errors.As(err, &ae) || ae.Code == Internal {
		return Result[T]{
			Error:    Internal,
			Category: CategoryInternal,
			Message:  "internal error",
		}
	}
	return Result[T]{
		Error:      ae.Code,
		Category:   ae.Category,
		Message:    ae.Message,
		Fields:     ae.Fields,
		ConflictID: ae.ConflictID,
		Retryable:  ae.retryable,
	}
}
