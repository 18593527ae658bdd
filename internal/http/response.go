package http

import "treemapdb/pkg/service"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format. Kind and Cause let
// a remote caller rebuild the error it would have got locally.
type Response struct {
	Status Status   `json:"status,omitempty"`
	Values []string `json:"values,omitempty"`
	Error  string   `json:"error,omitempty"`
	Kind   string   `json:"kind,omitempty"`
	Cause  string   `json:"cause,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewListResponse(values []string) Response {
	return Response{Status: StatusSuccess, Values: values}
}

func NewErrorResponse(err error) Response {
	return Response{
		Status: StatusError,
		Error:  err.Error(),
		Kind:   service.ErrorKind(err),
		Cause:  service.CauseKind(err),
	}
}
