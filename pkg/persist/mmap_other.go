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

package persist

import (
	"fmt"
	"runtime"
)

var errUnsupported = fmt.Errorf("memory remapping is not supported on %s", runtime.GOOS)

// MapFile is unsupported on this platform.
func MapFile(uintptr, uintptr, Prot, int) (uintptr, error) { return 0, errUnsupported }

// MapAnon is unsupported on this platform.
func MapAnon(uintptr, uintptr, Prot) (uintptr, error) { return 0, errUnsupported }

// Unmap is unsupported on this platform.
func Unmap(uintptr, uintptr) error { return errUnsupported }

// Remap is unsupported on this platform.
func Remap(uintptr, uintptr, uintptr) error { return errUnsupported }

// Protect is unsupported on this platform.
func Protect(uintptr, uintptr, Prot) error { return errUnsupported }

// Bytes is unsupported on this platform.
func Bytes(uintptr, uintptr) []byte { return nil }
