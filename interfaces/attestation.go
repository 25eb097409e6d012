package interfaces

// AttestationProvider produces evidence about the environment it runs in.
// Quote binds up to 64 bytes of report data into a hardware quote; Sign signs
// arbitrary content with the provider's key, whose identity is SignerID.
type AttestationProvider interface {
	Quote(reportData []byte) ([]byte, error)
	Sign(content []byte) ([]byte, error)
	SignerID() []byte
}

// Measurements are the TD registers a sealing key is bound to.
type Measurements struct {
	MRTD  []byte
	RTMRs [4][]byte
}

// QuoteInspector extracts measurements and report data from a raw quote
// without verifying it.
type QuoteInspector interface {
	Inspect(quote []byte) (Measurements, [64]byte, error)
}
