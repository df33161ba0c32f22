// Copyright (c) 2026 John Earle
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

// Package router maps recipient aliases to processing modes.
package router

import (
	"fmt"
	"strings"

	"github.com/kr777/mailbridge/internal/config"
	"github.com/kr777/mailbridge/internal/models"
)

// UnknownRouteError is returned when an address matches no alias.
type UnknownRouteError struct {
	Address string
}

func (e *UnknownRouteError) Error() string {
	return fmt.Sprintf("no route for address %q", e.Address)
}

// Route is the resolved processing plan for one alias.
type Route struct {
	Alias          string
	Mode           models.Mode
	TargetLanguage string
	FromAddress    string
}

// Router is an immutable alias table.
type Router struct {
	routes map[string]Route
}

// New builds a router from the configured aliases.
func New(aliases []config.AliasConfig) *Router {
	routes := make(map[string]Route, len(aliases))
	for _, a := range aliases {
		key := strings.ToLower(strings.TrimSpace(a.Address))
		routes[key] = Route{
			Alias:          key,
			Mode:           a.Mode,
			TargetLanguage: a.TargetLanguage,
			FromAddress:    a.FromAddress,
		}
	}
	return &Router{routes: routes}
}

// Resolve returns the route for address. Matching is exact on the bare
// address, ignoring case.
func (r *Router) Resolve(address string) (Route, error) {
	route, ok := r.routes[strings.ToLower(strings.TrimSpace(address))]
	if !ok {
		return Route{}, &UnknownRouteError{Address: address}
	}
	return route, nil
}
