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

package store

import (
	"fmt"

	"github.com/go-logr/logr"
)

// Open creates a store for the given backend type. Supported types are
// memory, sqlite, postgres, and mysql.
func Open(typ, dsn string, log logr.Logger) (Store, error) {
	switch typ {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres", "mysql":
		return NewGormStore(typ, dsn, log)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", typ)
	}
}
