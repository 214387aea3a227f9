// Package markup converts the lightweight markdown dialect emitted by
// generation providers into the HTML subset accepted by messaging channels,
// and splits finalized answers into channel-safe chunks. It is not a general
// purpose markdown parser: only the constructs the transcoder recognizes are
// handled, everything else passes through escaped.
package markup
