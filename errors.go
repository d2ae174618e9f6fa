package apiversion

import (
	"fmt"

	"github.com/influxdata/apiversion/kit/platform/errors"
)

// ConfigurationError reports a problem with the service's own setup: a
// malformed current version or an ambiguous set of migrations.
func ConfigurationError(op, msg string, err error) error {
	return errors.NewError(
		errors.WithErrorCode(errors.EConfiguration),
		errors.WithErrorOp(op),
		errors.WithErrorMsg(msg),
		errors.WithErrorErr(err),
	)
}

// TransformError reports that a migration failed to rewrite a payload.
func TransformError(op string, m Migration, dir Direction, err error) error {
	return errors.NewError(
		errors.WithErrorCode(errors.EUnprocessableEntity),
		errors.WithErrorOp(op),
		errors.WithErrorMsg(fmt.Sprintf("migration %q (%s) failed %s", m.Name(), m.Version(), dir)),
		errors.WithErrorErr(err),
	)
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	return err != nil && errors.ErrorCode(err) == errors.EConfiguration
}

// IsTransformError reports whether err came from a failing migration.
func IsTransformError(err error) bool {
	return err != nil && errors.ErrorCode(err) == errors.EUnprocessableEntity
}

// IsMalformedVersion reports whether err came from parsing a version string.
func IsMalformedVersion(err error) bool {
	return err != nil && errors.ErrorCode(err) == errors.EInvalid
}
