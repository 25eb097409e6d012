package attestation

import (
	"fmt"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/ruteri/tdx-cvm-manager/interfaces"
)

// DCAPQuoteInspector reads measurements out of a TDX v4 quote. It does not
// verify the quote signature or collateral.
type DCAPQuoteInspector struct{}

func (DCAPQuoteInspector) Inspect(quote []byte) (interfaces.Measurements, [64]byte, error) {
	var reportData [64]byte

	protoQuote, err := tdx_abi.QuoteToProto(quote)
	if err != nil {
		return interfaces.Measurements{}, reportData, fmt.Errorf("%w: could not parse quote: %w", interfaces.ErrValidation, err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return interfaces.Measurements{}, reportData, fmt.Errorf("%w: unsupported quote type: %T", interfaces.ErrValidation, protoQuote)
	}

	body := v4Quote.GetTdQuoteBody()
	if body == nil || len(body.GetRtmrs()) != 4 {
		return interfaces.Measurements{}, reportData, fmt.Errorf("%w: quote has no TD body", interfaces.ErrValidation)
	}

	m := interfaces.Measurements{MRTD: body.GetMrTd()}
	for i, rtmr := range body.GetRtmrs() {
		m.RTMRs[i] = rtmr
	}
	copy(reportData[:], body.GetReportData())
	return m, reportData, nil
}

var _ interfaces.QuoteInspector = DCAPQuoteInspector{}
