/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"fmt"
	"net/url"
)

// params wraps query parameters with the API's access rules: scalar
// parameters take their last supplied value, email is repeatable, and
// any parameter nobody consumed rejects the request.
type params struct {
	values url.Values
	used   map[string]bool
}

func newParams(values url.Values) *params {
	return &params{values: values, used: make(map[string]bool)}
}

// get returns the last value of a scalar parameter, "" when absent.
func (p *params) get(key string) string {
	p.used[key] = true
	vs := p.values[key]
	if len(vs) == 0 {
		return ""
	}
	return vs[len(vs)-1]
}

// has reports whether the parameter was supplied at all.
func (p *params) has(key string) bool {
	p.used[key] = true
	_, ok := p.values[key]
	return ok
}

// required returns a scalar parameter, erroring when missing or blank.
func (p *params) required(key string) (string, error) {
	v := p.get(key)
	if v == "" {
		return "", fmt.Errorf("missing parameter: %s", key)
	}
	return v, nil
}

// boolean parses the API's boolean grammar. Absent and empty both mean
// false; the error names the offending parameter.
func (p *params) boolean(key string) (bool, error) {
	switch p.get(key) {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0", "":
		return false, nil
	default:
		return false, fmt.Errorf("parameter %s must be a boolean", key)
	}
}

// maybeBool is boolean for three-state filters: nil when absent.
func (p *params) maybeBool(key string) (*bool, error) {
	if !p.has(key) {
		return nil, nil
	}
	v, err := p.boolean(key)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// emails returns all values of the repeatable email parameter. A single
// "-" means "clear the list" and yields an empty non-nil slice.
func (p *params) emails() ([]string, bool) {
	p.used["email"] = true
	vs, ok := p.values["email"]
	if !ok {
		return nil, false
	}
	if len(vs) == 1 && vs[0] == "-" {
		return []string{}, true
	}
	return append([]string(nil), vs...), true
}

// finish rejects any parameter no handler consumed.
func (p *params) finish() error {
	for key := range p.values {
		if !p.used[key] {
			return fmt.Errorf("unexpected parameter: %s", key)
		}
	}
	return nil
}
