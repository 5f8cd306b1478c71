// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package patcher

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutableLoadFailed is returned by Load for unreadable or malformed
	// templates.
	ErrExecutableLoadFailed = errors.New("failed to load executable")
	// ErrInvalidState is returned when an operation is called out of order.
	ErrInvalidState = errors.New("invalid engine state")
	// ErrOverwritesTemplate is wrapped by the *PatchError Commit returns
	// when the output path names the template.
	ErrOverwritesTemplate = errors.New("output would overwrite the template")
	// ErrResourcePatchingFailed matches every *PatchError.
	ErrResourcePatchingFailed = errors.New("resource patching failed")
)

// Edit names the step of Commit that failed.
type Edit string

const (
	EditIcon    Edit = "icon"
	EditRCData  Edit = "rcdata"
	EditString  Edit = "string"
	EditVersion Edit = "version"
	EditRebuild Edit = "rebuild"
	EditWrite   Edit = "write"
)

// PatchError is returned by Commit.
type PatchError struct {
	Edit Edit
	ID   uint16
	Err  error
}

func (e *PatchError) Error() string {
	switch e.Edit {
	case EditRebuild, EditWrite:
		return fmt.Sprintf("resource patching failed: %s", e.Edit)
	default:
		return fmt.Sprintf("resource patching failed: %s %d", e.Edit, e.ID)
	}
}

func (e *PatchError) Unwrap() error {
	return e.Err
}

func (e *PatchError) Is(target error) bool {
	return target == ErrResourcePatchingFailed
}
