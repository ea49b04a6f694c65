// Copyright 2016 CoreOS, Inc.
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

package maps

import (
	"reflect"
	"sort"
	"testing"
)

var testMap = map[string]bool{
	"pkg-10": true,
	"pkg-9":  true,
	"pkg-1":  true,
}

func TestKeys(t *testing.T) {
	keys := Keys(testMap)
	sort.Strings(keys)
	want := []string{"pkg-1", "pkg-10", "pkg-9"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("Keys() = %v, want %v", keys, want)
	}
}

func TestSortedKeys(t *testing.T) {
	want := []string{"pkg-1", "pkg-10", "pkg-9"}
	if got := SortedKeys(testMap); !reflect.DeepEqual(got, want) {
		t.Errorf("SortedKeys() = %v, want %v", got, want)
	}
}

func TestNaturalKeys(t *testing.T) {
	want := []string{"pkg-1", "pkg-9", "pkg-10"}
	if got := NaturalKeys(testMap); !reflect.DeepEqual(got, want) {
		t.Errorf("NaturalKeys() = %v, want %v", got, want)
	}
}
