// Copyright 2023 The gVisor Authors.
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

package hostarch

import "fmt"

// AddrRange is a range of Addrs.
//
// type AddrRange <generated by go_generics>
type AddrRange struct {
	// Start is the first address in the range.
	Start Addr

	// End is one past the last address in the range.
	End Addr
}

// Pages returns the page-aligned range covering every page that intersects r,
// which must satisfy r.Start <= r.End. ok is false if rounding the end up
// wraps around.
func (r AddrRange) Pages() (AddrRange, bool) {
	end, ok := r.End.RoundUp()
	if r.Start == r.End {
		end = r.Start.RoundDown()
	}
	return AddrRange{r.Start.RoundDown(), end}, ok
}

// String implements fmt.Stringer.String.
func (r AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
