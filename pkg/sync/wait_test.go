// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sync

import (
	"errors"
	"testing"
)

func TestWaitGroupErr(t *testing.T) {
	first := errors.New("first")
	var wg WaitGroupErr
	wg.Add(1)
	go func() {
		defer wg.Done()
		wg.ReportError(first)
	}()
	wg.Wait()

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wg.ReportError(errors.New("later"))
			wg.ReportError(nil)
		}()
	}
	if err := wg.Error(); err != first {
		t.Errorf("Error() got: %v, expected: %v", err, first)
	}
	if got := wg.Failures(); got != 4 {
		t.Errorf("Failures() got: %d, expected: 4", got)
	}
}

func TestWaitGroupErrNone(t *testing.T) {
	var wg WaitGroupErr
	wg.Add(2)
	go wg.Done()
	go wg.Done()
	if err := wg.Error(); err != nil {
		t.Errorf("Error() got: %v, expected: nil", err)
	}
}
