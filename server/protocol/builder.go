// response serializer, exact wire bytes
package protocol

import "strconv"

// lookup table for reason phrases, flat list instead of map bc codes are fixed
var statusTable = [600]string{
	100: "Continue",
	101: "Switching Protocols",

	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",

	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",

	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	413: "Payload Too Large",

	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

// StatusText returns the reason phrase for a code, empty for unknown codes.
func StatusText(code int) string {
	if code < 0 || code >= len(statusTable) {
		return ""
	}
	return statusTable[code]
}

// AppendResponse serializes res onto dst: status line, headers in insertion
// order, blank line, body. Content-Length is computed from the body unless
// the handler set it. headOnly suppresses the body bytes (HEAD) while
// keeping the headers intact.
func AppendResponse(dst []byte, proto string, res *Response, headOnly bool) []byte {
	if proto == "" {
		proto = "HTTP/1.1"
	}
	code := res.Code
	if code < 100 || code >= len(statusTable) {
		code = 500
	}
	reason := statusTable[code]
	if reason == "" {
		reason = "Unknown"
	}

	dst = append(dst, proto...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, ' ')
	dst = append(dst, reason...)
	dst = append(dst, '\r', '\n')

	if !res.Headers.Has("Content-Length") {
		res.Headers.Add("Content-Length", strconv.Itoa(len(res.Body)))
	}
	for _, h := range res.Headers {
		dst = append(dst, h.Key...)
		dst = append(dst, ':', ' ')
		dst = append(dst, h.Val...)
		dst = append(dst, '\r', '\n')
	}
	dst = append(dst, '\r', '\n')

	if !headOnly {
		dst = append(dst, res.Body...)
	}
	return dst
}
