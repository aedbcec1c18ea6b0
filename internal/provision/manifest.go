package provision

// ManifestResponse models one page of the manufacturer's device manifest.
type ManifestResponse struct {
	Code int `json:"code"`
	Data struct {
		Page     int            `json:"page"`
		PageSize int            `json:"pageSize"`
		Total    int            `json:"total"`
		Items    []ManifestItem `json:"items"`
	} `json:"data"`
}

// ManifestItem is one manufactured device.
type ManifestItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SerialKey string `json:"serialKey"`
}
