// Package frame recognises and builds the Content-Length framing used by
// JSON-RPC style protocols such as LSP:
//
//	Content-Length: <digits>\r\n\r\n<body>
//
// Only this exact header shape is accepted. Additional header fields
// (Content-Type) are not part of a frame and make the candidate invalid.
//
// Find locates the first valid header in a buffer and also reports how much
// of the buffer can never become part of one, which lets incremental
// callers drop noise without holding it.
package frame
