// Package activation negotiates the activation of a Transfer endpoint.
//
// A Session resets the endpoint, fetches its activation requirements, lets
// a Filler supply identity material and submits the filled document:
//
//	session := activation.NewSession(client, activation.WithLogger(logger))
//	res, err := session.Activate(ctx, "go#ep1", &activation.DelegateProxy{
//	    Delegator:  &delegation.Helper{Path: "/usr/local/bin/mkproxy"},
//	    Credential: credential,
//	})
//	switch {
//	case errors.Is(err, activation.ErrUnsupported):
//	    // try another method
//	case err != nil:
//	    return err
//	}
//
// Sessions hold no per-endpoint state and may be shared. Activating the
// same endpoint from two goroutines at once is not serialized; callers that
// need that must lock around Activate themselves.
package activation
