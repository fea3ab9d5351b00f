package api

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageResponse carries a signed governance message wrapped to the caller's
// public key: base64(RSA-OAEP-AES-KWP(COSE_Sign1)).
type MessageResponse struct {
	Message string `json:"message"`
}

// StatusResponse is returned by the lifecycle endpoints.
type StatusResponse struct {
	Status string `json:"status"`
}
