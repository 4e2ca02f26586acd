package store

import (
	"context"
	"errors"
)

// ChangeAppender persists edit deltas.
type ChangeAppender interface {
	AppendChange(context.Context, EditChange) error
}

// MirrorError reports that the primary write succeeded but at least one
// mirror failed.
type MirrorError struct {
	Err error
}

func (e *MirrorError) Error() string {
	return "mirror append failed: " + e.Err.Error()
}

func (e *MirrorError) Unwrap() error {
	return e.Err
}

type teeChanges struct {
	primary ChangeAppender
	mirrors []ChangeAppender
}

// TeeChanges writes each change to primary first, then to every mirror. A
// primary failure stops the write; mirror failures are joined into a
// *MirrorError after all mirrors were attempted.
func TeeChanges(primary ChangeAppender, mirrors ...ChangeAppender) ChangeAppender {
	filtered := make([]ChangeAppender, 0, len(mirrors))
	for _, mirror := range mirrors {
		if mirror != nil {
			filtered = append(filtered, mirror)
		}
	}
	if len(filtered) == 0 {
		return primary
	}
	return &teeChanges{primary: primary, mirrors: filtered}
}

func (t *teeChanges) AppendChange(ctx context.Context, change EditChange) error {
	if err := t.primary.AppendChange(ctx, change); err != nil {
		return err
	}
	var errs []error
	for _, mirror := range t.mirrors {
		if err := mirror.AppendChange(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &MirrorError{Err: errors.Join(errs...)}
	}
	return nil
}
