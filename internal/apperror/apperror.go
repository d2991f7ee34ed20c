// Package apperror defines the categorized errors every service operation
// returns and the discriminated result shape handed to collaborators.
package apperror

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type Category string

const (
	CategoryValidation    Category = "validation"
	CategoryAuthorization Category = "authorization"
	CategoryState         Category = "state"
	CategoryConflict      Category = "conflict"
	CategoryBusiness      Category = "business"
	CategoryNotFound      Category = "not_found"
	CategoryInternal      Category = "internal"
)

type Code string

const (
	NotFound                  Code = "NOT_FOUND"
	CampaignNotFound          Code = "CAMPAIGN_NOT_FOUND"
	RequestNotFound           Code = "REQUEST_NOT_FOUND"
	InvalidInput              Code = "INVALID_INPUT"
	InvalidMilestones         Code = "INVALID_MILESTONES"
	MissingReason             Code = "MISSING_REASON"
	Forbidden                 Code = "FORBIDDEN"
	InvalidStatus             Code = "INVALID_STATUS"
	AlreadyCancelled          Code = "ALREADY_CANCELLED"
	CampaignNotActive         Code = "CAMPAIGN_NOT_ACTIVE"
	PendingRequestExists      Code = "PENDING_REQUEST_EXISTS"
	ConcurrentUpdate          Code = "CONCURRENT_UPDATE"
	TxConflict                Code = "TX_CONFLICT"
	CannotDeleteAfterDonation Code = "CANNOT_DELETE_AFTER_DONATION"
	CannotUpdateAfterDonation Code = "CANNOT_UPDATE_AFTER_DONATION"
	NoAvailableAmount         Code = "NO_AVAILABLE_AMOUNT"
	MilestoneNotFound         Code = "MILESTONE_NOT_FOUND"
	MilestoneNotReached       Code = "MILESTONE_NOT_REACHED"
	MilestoneAlreadyRequested Code = "MILESTONE_ALREADY_REQUESTED"
	InvalidFields             Code = "INVALID_FIELDS"
	EmptyRequest              Code = "EMPTY_REQUEST"
	InvalidFieldValue         Code = "INVALID_FIELD_VALUE"
	InvalidEndDate            Code = "INVALID_END_DATE"
	Internal                  Code = "INTERNAL"
)

var categories = map[Code]Category{
	NotFound:                  CategoryNotFound,
	CampaignNotFound:          CategoryNotFound,
	RequestNotFound:           CategoryNotFound,
	InvalidInput:              CategoryValidation,
	InvalidMilestones:         CategoryValidation,
	MissingReason:             CategoryValidation,
	InvalidFields:             CategoryValidation,
	EmptyRequest:              CategoryValidation,
	InvalidFieldValue:         CategoryValidation,
	InvalidEndDate:            CategoryValidation,
	Forbidden:                 CategoryAuthorization,
	InvalidStatus:             CategoryState,
	AlreadyCancelled:          CategoryState,
	CampaignNotActive:         CategoryState,
	PendingRequestExists:      CategoryConflict,
	ConcurrentUpdate:          CategoryConflict,
	TxConflict:                CategoryConflict,
	CannotDeleteAfterDonation: CategoryBusiness,
	CannotUpdateAfterDonation: CategoryBusiness,
	NoAvailableAmount:         CategoryBusiness,
	MilestoneNotFound:         CategoryBusiness,
	MilestoneNotReached:       CategoryBusiness,
	MilestoneAlreadyRequested: CategoryBusiness,
	Internal:                  CategoryInternal,
}

// Error is returned by every service operation on a handled failure.
type Error struct {
	Code       Code
	Category   Category
	Message    string
	Fields     []string
	ConflictID *uuid.UUID
	retryable  bool
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if len(e.Fields) > 0 {
		msg += fmt.Sprintf(" %v", e.Fields)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable 冲突类错误由调用方决定是否重试
func (e *Error) Retryable() bool { return e.retryable }

// Is matches on code so errors.Is(err, apperror.New(code, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func New(code Code, format string, args ...any) *Error {
	cat, ok := categories[code]
	if !ok {
		cat = CategoryInternal
	}
	return &Error{
		Code:      code,
		Category:  cat,
		Message:   fmt.Sprintf(format, args...),
		retryable: code == ConcurrentUpdate || code == TxConflict,
	}
}

func (e *Error) WithFields(fields ...string) *Error {
	e.Fields = append(e.Fields, fields...)
	return e
}

func (e *Error) WithConflict(id uuid.UUID) *Error {
	e.ConflictID = &id
	return e
}

func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// Wrap 把基础设施错误包装为 INTERNAL，已经是 *Error 的原样返回
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return New(Internal, "%s failed", op).Wrap(err)
}

// CodeOf 返回错误码，非 *Error 返回 INTERNAL
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return Internal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
