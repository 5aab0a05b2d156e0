package workflow

// MinioInfo is the object-store connection info embedded in
// StoreInfo, the side-car upload protocol payload.
type MinioInfo struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Secure    bool   `json:"secure"`
}

// StoreInfo is the payload delivered to the per-pod side-car via
// port_forward_post, instructing it where to upload its declared
// output files.
type StoreInfo struct {
	Minio             MinioInfo `json:"minio"`
	DestinationBucket string    `json:"destination_bucket"`
	DestinationPath   string    `json:"destination_path"`
	ResultDirectory   string    `json:"result_directory"`
	ResultFiles       []string  `json:"result_files"`
}
