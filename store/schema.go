package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DynamoDB schema constants for single-table design
const (
	// Table attributes
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI1PK     = "GSI1PK"
	AttrGSI1SK     = "GSI1SK"
	AttrEntityType = "entity_type"
	AttrInstanceID = "instance_id"

	// Entity types
	EntityTypeMapping    = "InstanceMapping"
	EntityTypeCheckpoint = "Checkpoint"
	EntityTypeEmailRef   = "EmailRef"
	EntityTypeChannelRef = "ChannelRef"

	// Index names
	IndexStageIndex = "GSI1"
)

// Key builders for single-table design

// Mapping keys: PK=INSTANCE#{instanceID}, SK=MAPPING
func instancePK(instanceID string) string {
	return fmt.Sprintf("INSTANCE#%s", instanceID)
}

func mappingSK() string {
	return "MAPPING"
}

// Stage index: GSI1PK=STAGE#{stage}, GSI1SK={updated_at}
func mappingGSI1PK(stage string) string {
	return fmt.Sprintf("STAGE#%s", stage)
}

// gsi1TimeLayout is fixed width so lexical order equals time order.
const gsi1TimeLayout = "2006-01-02T15:04:05.000000000Z"

func mappingGSI1SK(updatedAt time.Time) string {
	return updatedAt.UTC().Format(gsi1TimeLayout)
}

// Checkpoint keys: PK=INSTANCE#{instanceID}, SK=CKPT#{zero-padded sequence}
// so lexical SK order equals numeric sequence order
func checkpointSK(sequence int64) string {
	return fmt.Sprintf("%s%020d", checkpointPrefix(), sequence)
}

func checkpointPrefix() string {
	return "CKPT#"
}

func parseCheckpointSK(sk string) (int64, error) {
	if !strings.HasPrefix(sk, checkpointPrefix()) {
		return 0, fmt.Errorf("sort key %q is not a checkpoint", sk)
	}
	return strconv.ParseInt(sk[len(checkpointPrefix()):], 10, 64)
}

// Email lookup keys: PK=EMAIL#{emailID}, SK=REF
func emailRefPK(emailID string) string {
	return fmt.Sprintf("EMAIL#%s", emailID)
}

// Channel lookup keys: PK=CHANNEL#{channelMessageID}, SK=REF
func channelRefPK(channelMessageID string) string {
	return fmt.Sprintf("CHANNEL#%s", channelMessageID)
}

func refSK() string {
	return "REF"
}
