package models

import "github.com/kiteflow/optionsrt/internal/errs"

// errValidation is a local alias kept short for readability in Validate
// methods scattered across this package.
var errValidation = errs.ErrValidationFailure
