package keycache

import (
	"errors"
	"fmt"
)

var errNoLoader = errors.New("no loader configured")

// LoadErrorKind classifies loader failures
type LoadErrorKind string

const (
	KindNetwork                LoadErrorKind = "network"
	KindMalformedKeySet        LoadErrorKind = "malformed_key_set"
	KindUnsupportedContentType LoadErrorKind = "unsupported_content_type"
	KindOther                  LoadErrorKind = "other"
)

// LoadError is returned by Get when the loader fails. Failures are never cached.
type LoadError struct {
	Cache string
	Key   string
	Kind  LoadErrorKind
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cache %s: load %s failed (%s): %v", e.Cache, e.Key, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError lets loaders classify their failure. Cache and Key are filled in by Get.
func NewLoadError(kind LoadErrorKind, err error) *LoadError {
	return &LoadError{Kind: kind, Err: err}
}

// IsLoadError reports whether err is a LoadError of the given kind
func IsLoadError(err error, kind LoadErrorKind) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Kind == kind
}

func asLoadError(cache, key string, err error) *LoadError {
	var le *LoadError
	if errors.As(err, &le) {
		out := *le
		out.Cache = cache
		out.Key = key
		return &out
	}
	return &LoadError{Cache: cache, Key: key, Kind: KindOther, Err: err}
}
