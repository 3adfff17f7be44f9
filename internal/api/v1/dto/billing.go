package dto

type CheckoutRequest struct {
	Tier string `json:"tier" validate:"required,oneof=MID TOP mid top"`
}

type URLResponse struct {
	URL string `json:"url"`
}
