package adminrpc

import (
	"strconv"

	"logcore/pkg/types"
)

func parseNodeIndex(s string) (types.NodeIndex, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return types.NodeIndex(v), err
}

func parseLogID(s string) (types.LogID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	return types.LogID(v), err
}
