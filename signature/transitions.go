package signature

var signerEdges = map[SignerStatus][]SignerStatus{
	SignerPending: {SignerSent, SignerViewed, SignerSigned, SignerDeclined, SignerExpired, SignerCancelled},
	SignerSent:    {SignerViewed, SignerSigned, SignerDeclined, SignerExpired, SignerCancelled},
	SignerViewed:  {SignerSigned, SignerDeclined, SignerExpired, SignerCancelled},
}

var requestEdges = map[RequestStatus][]RequestStatus{
	RequestInitiated:  {RequestInProgress, RequestCompleted, RequestExpired, RequestCancelled},
	RequestInProgress: {RequestCompleted, RequestExpired, RequestCancelled},
}

// CanTransitionSigner reports whether the signer graph has an edge from
// -> to. Signing is allowed from any open status since opening the
// signing flow implies viewing.
func CanTransitionSigner(from, to SignerStatus) bool {
	for _, next := range signerEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionRequest reports whether the request graph has an edge
// from -> to.
func CanTransitionRequest(from, to RequestStatus) bool {
	for _, next := range requestEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SignerSourcesFor lists the statuses from which a signer may move to to.
func SignerSourcesFor(to SignerStatus) []SignerStatus {
	var out []SignerStatus
	for _, from := range []SignerStatus{SignerPending, SignerSent, SignerViewed} {
		if CanTransitionSigner(from, to) {
			out = append(out, from)
		}
	}
	return out
}
