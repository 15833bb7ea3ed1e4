package app

import (
	"errors"
	"fmt"

	"docqa/pkg/pdftext"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrEmailAlreadyExists = errors.New("email already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrMalformedDocument aliases the extractor's error so either can be
	// matched with errors.Is.
	ErrMalformedDocument = pdftext.ErrMalformedDocument
	// ErrExternalService marks failures of the blob store, entity store,
	// index or model. It is always wrapped together with the cause.
	ErrExternalService  = errors.New("external service error")
	ErrForbidden        = errors.New("forbidden")
	ErrDocumentNotReady = errors.New("document not indexed yet")
	ErrInvalidInput     = errors.New("invalid input")
)

func external(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrExternalService, err)
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}
