// Copyright 2026 The Warmstart Authors.
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

//go:build !linux
// +build !linux

package policy

import "golang.org/x/sys/unix"

// dupInto makes newfd a copy of oldfd, closing what newfd referred to.
func dupInto(oldfd, newfd int, cloexec bool) error {
	if err := unix.Dup2(oldfd, newfd); err != nil {
		return err
	}
	if cloexec {
		unix.CloseOnExec(newfd)
	}
	return nil
}
