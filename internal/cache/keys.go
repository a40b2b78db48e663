package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func PendingCountKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("trigger:pending:%s", tenantID)
}

func ScheduledKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("trigger:scheduled:%s", tenantID)
}

func RecipientKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("delivery:recipient:%s", tenantID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
