// Package annotation parses the declarative header that marks a notebook
// cell as an HTTP route (@HTTP), a WebSocket endpoint (@WS) or a scheduled
// job (@SCHEDULE).
//
// A header is the first chunk of '#' comment lines of a cell, or its first
// triple-quoted block:
//
//	# @HTTP
//	# POST /users/{id}
//	# body: name:str, tags:list[str]
//
// Parsing is syntactic only. Types, paths and triggers are validated when
// the IR is built.
package annotation
