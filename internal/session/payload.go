package session

// PingRequest 是 POST /ping 的请求体。
type PingRequest struct {
	Secret       string `json:"secret"`
	Port         int    `json:"port"`
	IPAddress    string `json:"ip_address,omitempty"`
	DiskSpace    int64  `json:"disk_space"`
	NetworkSpeed int64  `json:"network_speed"`
	BuildVersion int    `json:"build_version"`
	TLSCreatedAt string `json:"tls_created_at,omitempty"`
}

// TLSPayload 是控制面签发的证书与私钥（PEM）。
type TLSPayload struct {
	CreatedAt   string `json:"created_at"`
	PrivateKey  string `json:"private_key"`
	Certificate string `json:"certificate"`
}

// PingResponse 是 POST /ping 的响应体，tls 仅在证书变化时下发。
type PingResponse struct {
	Paused        bool        `json:"paused"`
	Compromised   bool        `json:"compromised"`
	LatestBuild   int         `json:"latest_build"`
	ImageServer   string      `json:"image_server"`
	URL           string      `json:"url"`
	TokenKey      string      `json:"token_key"`
	DisableTokens bool        `json:"disable_tokens"`
	TLS           *TLSPayload `json:"tls,omitempty"`
}

// StopRequest 是 POST /stop 的请求体。
type StopRequest struct {
	Secret string `json:"secret"`
}
