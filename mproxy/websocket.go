package mproxy

import "mitm_man/http1parser"

/*
GET /chat HTTP/1.1
Connection: Upgrade
Upgrade: websocket
*/
func isWebSocketUpgrade(header *http1parser.HeaderBlock) bool {
	return header.TokenListContains("Connection", "Upgrade") &&
		header.TokenListContains("Upgrade", "websocket")
}
