// Command local-kp is a development key provider. It answers sealing key
// requests from cvmctl's broker on --listen-addr using the framed TCP
// protocol, deriving keys from a master seed given directly with --seed or
// recovered from admin-signed Shamir shares (--share, see split-seed).
package main
