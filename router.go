// Copyright 2025 Edgeo SCADA
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

package modbus

import "sync"

// Filter selects the values a route accepts along one dimension
// (unit id, function code or address). A nil Filter accepts everything.
type Filter interface {
	Match(v uint16) bool
}

type valueSet map[uint16]struct{}

func (s valueSet) Match(v uint16) bool {
	_, ok := s[v]
	return ok
}

type addressRange struct {
	start uint32
	end   uint32 // exclusive
}

func (r addressRange) Match(v uint16) bool {
	return uint32(v) >= r.start && uint32(v) < r.end
}

// Units returns a Filter accepting the given unit ids.
func Units(ids ...UnitID) Filter {
	s := make(valueSet, len(ids))
	for _, id := range ids {
		s[uint16(id)] = struct{}{}
	}
	return s
}

// Functions returns a Filter accepting the given function codes.
func Functions(fcs ...FunctionCode) Filter {
	s := make(valueSet, len(fcs))
	for _, fc := range fcs {
		s[uint16(fc)] = struct{}{}
	}
	return s
}

// Addresses returns a Filter accepting the given addresses.
func Addresses(addrs ...uint16) Filter {
	s := make(valueSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

// AddressRange returns a Filter accepting count addresses from start.
// The range is clipped at 0xFFFF.
func AddressRange(start, count uint16) Filter {
	end := uint32(start) + uint32(count)
	if end > 65536 {
		end = 65536
	}
	return addressRange{start: uint32(start), end: end}
}

// Route binds an Endpoint to the requests its filters accept.
type Route struct {
	Endpoint  Endpoint
	Units     Filter
	Functions Filter
	Addresses Filter
}

func (r *Route) match(unitID UnitID, fc FunctionCode, addr uint16) bool {
	return matches(r.Units, uint16(unitID)) &&
		matches(r.Functions, uint16(fc)) &&
		matches(r.Addresses, addr)
}

func matches(f Filter, v uint16) bool {
	return f == nil || f.Match(v)
}

// Router is the ordered table of routes consulted for every addressed
// coil or register. Routes are tried in registration order and the first
// match wins. A Router is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	routes []Route
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// Route registers ep for requests accepted by all three filters. A nil
// filter matches anything.
func (r *Router) Route(ep Endpoint, units, functions, addresses Filter) {
	r.Handle(Route{
		Endpoint:  ep,
		Units:     units,
		Functions: functions,
		Addresses: addresses,
	})
}

// Handle appends a prepared route.
func (r *Router) Handle(route Route) {
	if route.Endpoint == nil {
		panic("modbus: nil endpoint")
	}
	r.mu.Lock()
	r.routes = append(r.routes, route)
	r.mu.Unlock()
}

// Resolve returns the endpoint of the first route matching the request.
// When nothing matches the error is a *RouteError wrapping ErrNoRoute.
func (r *Router) Resolve(unitID UnitID, fc FunctionCode, addr uint16) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.routes {
		if r.routes[i].match(unitID, fc, addr) {
			return r.routes[i].Endpoint, nil
		}
	}
	return nil, &RouteError{UnitID: unitID, FunctionCode: fc, Address: addr}
}

// Len returns the number of registered routes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Routes returns a copy of the registered routes in registration order.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}
