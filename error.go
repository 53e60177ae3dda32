package mcprelay

import "fmt"

// Error returns the error message
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("code: %d, message: %s, data: %v", e.Code, e.Message, e.Data)
}

// NewError creates an error with the supplied code, message and data.
func NewError(code int, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// NewParsingError creates a new parsing error
func NewParsingError(message string, data []byte) *Error {
	return NewError(ParseError, message, data)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, data []byte) *Error {
	return NewError(InternalError, message, data)
}

// NewInvalidRequest creates a new invalid request error
func NewInvalidRequest(message string, data []byte) *Error {
	return NewError(InvalidRequest, message, data)
}

// NewInvalidParamsError creates a new invalid params error
func NewInvalidParamsError(message string, data []byte) *Error {
	return NewError(InvalidParams, message, data)
}

// NewMethodNotFound creates a new method not found error
func NewMethodNotFound(message string, data []byte) *Error {
	return NewError(MethodNotFound, message, data)
}

// NewAuthUnavailableError signals that the authorization service cannot be reached.
func NewAuthUnavailableError(hint string) *Error {
	var data interface{}
	if hint != "" {
		data = map[string]string{"hint": hint}
	}
	return NewError(AuthUnavailableError, "Authentication service unavailable", data)
}
