package domain

import "errors"

// ErrFileNotFound is returned when a blob does not exist in the blob store.
var ErrFileNotFound = errors.New("file not found")

// ErrUploadNotFound is returned when an upload ID is unknown to the catalog.
var ErrUploadNotFound = errors.New("upload not found")

// ErrInvalidFileName is returned when a client-supplied file name cannot be stored.
var ErrInvalidFileName = errors.New("invalid file name")

// ErrInvalidID is returned when an upload ID is not a canonical UUID.
var ErrInvalidID = errors.New("invalid upload id")
