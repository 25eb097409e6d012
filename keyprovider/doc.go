// Package keyprovider implements the framed TCP protocol spoken between the
// host broker and a key provider: each message is a 4-byte big-endian length
// followed by that many bytes of JSON, one request and one response per
// connection.
package keyprovider
