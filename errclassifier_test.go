// SPDX-License-Identifier: GPL-3.0-or-later

package keqwest

import (
	"context"
	"errors"
	"testing"

	"github.com/bassosimone/errclass"
	"github.com/stretchr/testify/assert"
)

// DefaultErrClassifier maps nil to the empty string and delegates to errclass.
func TestDefaultErrClassifier(t *testing.T) {
	assert.Equal(t, "", DefaultErrClassifier.Classify(nil))
	assert.Equal(t, errclass.ETIMEDOUT, DefaultErrClassifier.Classify(context.DeadlineExceeded))
	assert.Equal(t, errclass.EGENERIC, DefaultErrClassifier.Classify(errors.New("unknown error")))
}

// ErrClassifierFunc adapts a plain function.
func TestErrClassifierFunc(t *testing.T) {
	classifier := ErrClassifierFunc(func(err error) string {
		return "CUSTOM"
	})
	assert.Equal(t, "CUSTOM", classifier.Classify(errors.New("x")))
}
