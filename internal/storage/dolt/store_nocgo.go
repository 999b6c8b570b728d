//go:build !cgo

package dolt

import (
	"context"
	"errors"
)

// openEmbedded is unavailable without CGO: the embedded Dolt engine links
// against native code. Server mode still works on pure-Go builds.
func (s *DoltStore) openEmbedded(_ context.Context) error {
	return errors.New("dolt: embedded mode requires a CGO-enabled build; use server mode instead")
}
