package util

// ShortID truncates an ID to 8 characters for logging
func ShortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
