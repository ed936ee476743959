// Package transfer provides the authenticated request/response client for
// the Transfer API.
//
// The client knows nothing about activation; it issues GET and POST calls
// against paths relative to a base URL, decodes responses with a pluggable
// Format and turns failed responses into an *APIError.
//
// # Quick Start
//
//	client, err := transfer.NewClient(transfer.Config{
//	    BaseURL: "https://transfer.api.globusonline.org/v0.10",
//	    Auth: transfer.Chain(
//	        transfer.ClientCertificate{CertPEM: cert, KeyPEM: key},
//	        transfer.UserHint{Username: "alice"},
//	    ),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	res, err := client.Get(ctx, transfer.EndpointPath("go#ep1")+"/activation_requirements", nil)
package transfer

import "errors"

// Version is the client version reported in the User-Agent header.
const Version = "0.3.0"

// DefaultBaseURL is the production Transfer API.
const DefaultBaseURL = "https://transfer.api.globusonline.org/v0.10"

// Error kinds returned by Client.Get and Client.Post, matched with errors.Is.
// Authenticator failures other than an expired token are returned as is.
var (
	ErrTransport    = errors.New("transfer api unreachable")
	ErrProtocol     = errors.New("transfer api response not understood")
	ErrAPI          = errors.New("transfer api request failed")
	ErrTokenExpired = errors.New("bearer token has expired")
)
