package errs

import (
	"errors"
	"strconv"
	"strings"
)

// CodeError is the error shape the HTTP layer serializes to clients.
// Code is stable across releases; Detail carries request-specific context.
type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func New(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

// Gateway error codes. 1xxx auth, 2xxx validation, 3xxx state conflicts,
// 5xxx internal.
var (
	ErrUnauthorized   = New(1001, "unauthorized")
	ErrTokenExpired   = New(1002, "token expired")
	ErrBadRequest     = New(2001, "bad request")
	ErrCallConflict   = New(3001, "call already terminal")
	ErrCallNotFound   = New(3002, "call not found")
	ErrInternalServer = New(5001, "internal error")
)

func (e *CodeError) Error() string {
	parts := make([]string, 0, 3)
	parts = append(parts, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	return strings.Join(parts, " ")
}

// WithDetail returns a copy carrying extra context. The receiver is not
// mutated so the package-level sentinels stay clean.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// Is matches on Code so WithDetail copies still compare equal to their
// sentinel under errors.Is.
func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

// AsCode unwraps err to a *CodeError, or wraps it as ErrInternalServer.
func AsCode(err error) *CodeError {
	if err == nil {
		return nil
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce
	}
	return ErrInternalServer.WithDetail(err.Error())
}
