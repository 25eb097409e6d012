// Package hostapi implements the Sealing-Key Broker, the HTTP service a
// confidential guest calls through its user-mode network gateway.
//
// Routes:
//
//	POST /api/GetSealingKey  {"quote": hex} -> {"encrypted_key": hex, "provider_quote": hex}
//	POST /api/Notify         {"event": string, "payload": string} -> null
//
// Every other path answers 404 with a null body. GetSealingKey forwards the
// quote to the key provider over the framed TCP protocol in package
// keyprovider, one connection per request. Notify with event "instance.info"
// replaces shared/.instance_info in the instance directory.
package hostapi
