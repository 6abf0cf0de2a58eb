// Package proxy supervises a language server process on behalf of an
// editor. Editor input goes to the server unchanged; server stdout passes
// through a sanitizer so only Content-Length frames reach the editor; server
// stderr is logged line by line.
package proxy
