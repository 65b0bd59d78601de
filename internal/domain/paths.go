// SPDX-License-Identifier: MIT

package domain

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// AllowedLocalRoots are the only directories a file reference may point
// into. Anything else is rejected before any work begins.
var AllowedLocalRoots = []string{"/tmp/", "/shared/", "/data/"}

var streamIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidateLocalPath enforces the local file policy: no parent traversal
// anywhere in the raw path, and a prefix match against an allowed root.
func ValidateLocalPath(path string) error {
	if path == "" {
		return NewValidationFailure("empty_path", "file path is empty")
	}
	// Reject traversal on the raw input; normalisation happens after, not
	// instead of, this check.
	if strings.Contains(path, "..") {
		return NewValidationFailure("path_traversal", fmt.Sprintf("path %q contains parent traversal", path))
	}
	if !strings.HasPrefix(path, "/") {
		return NewValidationFailure("relative_path", fmt.Sprintf("path %q is not absolute", path))
	}
	for _, root := range AllowedLocalRoots {
		if strings.HasPrefix(path, root) {
			return nil
		}
	}
	return NewValidationFailure("path_not_allowed",
		fmt.Sprintf("path %q is outside the allowed roots %v", path, AllowedLocalRoots))
}

// ValidateStreamID bounds live-stream identifiers so they can be embedded
// in topic and log-stream names.
func ValidateStreamID(id string) error {
	if !streamIDPattern.MatchString(id) {
		return NewValidationFailure("bad_stream_id", fmt.Sprintf("stream id %q is not acceptable", id))
	}
	return nil
}

// Validate checks a job submission before any state is written.
func (d JobData) Validate() error {
	if !d.Origin.IsValid() {
		return NewValidationFailure("bad_origin", fmt.Sprintf("unknown origin %q", d.Origin))
	}
	if d.Reference == "" {
		return NewValidationFailure("empty_reference", "reference is required")
	}
	if d.UserID == "" {
		return NewValidationFailure("empty_user", "userId is required")
	}

	switch d.Origin {
	case OriginURL:
		u, err := url.Parse(d.Reference)
		if err != nil {
			return NewValidationFailure("bad_url", fmt.Sprintf("reference is not a URL: %v", err))
		}
		switch u.Scheme {
		case "http", "https":
			if u.Host == "" {
				return NewValidationFailure("bad_url", "URL has no host")
			}
		case "file":
			if err := ValidateLocalPath(u.Path); err != nil {
				return err
			}
		default:
			return NewValidationFailure("bad_scheme", fmt.Sprintf("unsupported URL scheme %q", u.Scheme))
		}
	case OriginUpload:
		if err := ValidateLocalPath(d.Reference); err != nil {
			return err
		}
	case OriginLiveStream:
		if err := ValidateStreamID(d.Reference); err != nil {
			return err
		}
	case OriginDrive:
		// Opaque drive handle; resolved by the drive fetcher.
	}

	return d.Options.Validate()
}
