// Copyright (c) 2014-2019 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package fault_test

import (
	"testing"

	"github.com/pearsync/pearsync/fault"
)

var (
	errExistsOne       = fault.ExistsError("exists one")
	errInvalidOne      = fault.InvalidError("invalid one")
	errNotFoundOne     = fault.NotFoundError("not found one")
	errProcessOne      = fault.ProcessError("process one")
	errTimeoutOne      = fault.TimeoutError("timeout one")
	errVerificationOne = fault.VerificationError("verification one")
	errFatalOne        = fault.FatalError("fatal one")
)

// test that the various error kinds can be subclassed and distinguished
func TestErrorKinds(t *testing.T) {
	errorList := []struct {
		err          error
		exists       bool
		invalid      bool
		notFound     bool
		process      bool
		timeout      bool
		verification bool
		fatal        bool
	}{
		{errExistsOne, true, false, false, false, false, false, false},
		{errInvalidOne, false, true, false, false, false, false, false},
		{errNotFoundOne, false, false, true, false, false, false, false},
		{errProcessOne, false, false, false, true, false, false, false},
		{errTimeoutOne, false, false, false, false, true, false, false},
		{errVerificationOne, false, false, false, false, false, true, false},
		{errFatalOne, false, false, false, false, false, false, true},
	}

	for i, e := range errorList {
		err := e.err
		if fault.IsErrExists(err) != e.exists {
			t.Errorf("%d: expected 'exists' == %v for err = %v", i, e.exists, err)
		}
		if fault.IsErrInvalid(err) != e.invalid {
			t.Errorf("%d: expected 'invalid' == %v for err = %v", i, e.invalid, err)
		}
		if fault.IsErrNotFound(err) != e.notFound {
			t.Errorf("%d: expected 'not found' == %v for err = %v", i, e.notFound, err)
		}
		if fault.IsErrProcess(err) != e.process {
			t.Errorf("%d: expected 'process' == %v for err = %v", i, e.process, err)
		}
		if fault.IsErrTimeout(err) != e.timeout {
			t.Errorf("%d: expected 'timeout' == %v for err = %v", i, e.timeout, err)
		}
		if fault.IsErrVerification(err) != e.verification {
			t.Errorf("%d: expected 'verification' == %v for err = %v", i, e.verification, err)
		}
		if fault.IsErrFatal(err) != e.fatal {
			t.Errorf("%d: expected 'fatal' == %v for err = %v", i, e.fatal, err)
		}
	}
}
