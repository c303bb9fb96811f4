// Package generichttp defines the plumbing for exposing devices over HTTP:
// a route table keyed by method and path, single-value JSON payload types,
// and an encoder that speaks both JSON and plain text
package generichttp

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is a method, path pair, e.g. GET /foo
type MethodPath struct {
	// Method is an HTTP method in the net/http constant set
	Method string

	// Path is the URL fragment the route is served at, chi syntax
	Path string
}

// RouteTable maps method-path pairs to handler funcs
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in the table as "METHOD path" strings
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	return routes
}

// Bind attaches each route in the table to the router, plus an
// /endpoints route which lists them
func (rt RouteTable) Bind(r chi.Router) {
	for mp, handler := range rt {
		r.Method(mp.Method, mp.Path, handler)
	}
	r.Method(http.MethodGet, "/endpoints", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(rt.Endpoints())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))
}

// HTTPer is an object that can yield its route table for binding to a router
type HTTPer interface {
	// RT yields the route table
	RT() RouteTable
}

// SubMuxSanitize ensures a mount point begins with a slash and does not
// end with one, as chi's Mount requires
func SubMuxSanitize(s string) string {
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	for len(s) > 1 && strings.HasSuffix(s, "/") {
		s = s[:len(s)-1]
	}
	return s
}

// FloatT is a struct with a single field F64, used for json requests and replies
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single field Int
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single field Str
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single field Bool
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a struct that allows a single value of several
// possible types to be encoded to the wire in a uniform way
type HumanPayload struct {
	// T is the type of the value
	T types.BasicKind

	// Float holds a float64 if T == types.Float64
	Float float64

	// Int holds an int if T == types.Int
	Int int

	// Bool holds a bool if T == types.Bool
	Bool bool

	// String holds a string if T == types.String
	String string
}

// EncodeAndRespond writes the payload to w.  The X-Content-Format request
// header selects "text" for bare values; the default is a single-key JSON
// object matching FloatT and friends.
func (hp *HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Content-Format") == "text" {
		w.Header().Set("Content-Type", "text/plain")
		var err error
		switch hp.T {
		case types.Float64:
			_, err = fmt.Fprintf(w, "%f", hp.Float)
		case types.Int:
			_, err = fmt.Fprintf(w, "%d", hp.Int)
		case types.Bool:
			_, err = fmt.Fprintf(w, "%t", hp.Bool)
		case types.String:
			_, err = fmt.Fprint(w, hp.String)
		}
		if err != nil {
			log.Println(err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	var obj interface{}
	switch hp.T {
	case types.Float64:
		obj = FloatT{F64: hp.Float}
	case types.Int:
		obj = IntT{Int: hp.Int}
	case types.Bool:
		obj = BoolT{Bool: hp.Bool}
	case types.String:
		obj = StrT{Str: hp.String}
	default:
		http.Error(w, fmt.Sprintf("unknown payload type %v", hp.T), http.StatusInternalServerError)
		return
	}
	err := json.NewEncoder(w).Encode(obj)
	if err != nil {
		log.Println(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
