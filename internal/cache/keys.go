package cache

import "fmt"

// JobKey holds the snapshot of a job that reached a terminal status.
func JobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyName string) string {
	return fmt.Sprintf("ratelimit:%s", keyName)
}
