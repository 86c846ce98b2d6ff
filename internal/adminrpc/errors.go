package adminrpc

import "fmt"

// Reason classifies why addNodes/removeNodes/updateNodes rejected a request,
// mirroring the control plane's ClusterMembershipOperationFailed.reason enum.
type Reason string

const (
	ReasonNotDead                   Reason = "NOT_DEAD"
	ReasonNotDisabled               Reason = "NOT_DISABLED"
	ReasonAlreadyExists             Reason = "ALREADY_EXISTS"
	ReasonInvalidRequestNodesConfig Reason = "INVALID_REQUEST_NODES_CONFIG"
	ReasonNoMatchInConfig           Reason = "NO_MATCH_IN_CONFIG"
)

// ClusterMembershipOperationFailed is returned by addNodes/removeNodes/
// updateNodes when the request conflicts with current cluster state rather
// than being malformed outright.
type ClusterMembershipOperationFailed struct {
	Reason Reason
	Msg    string
}

func (e *ClusterMembershipOperationFailed) Error() string {
	return fmt.Sprintf("cluster membership operation failed: %s: %s", e.Reason, e.Msg)
}

func failedWith(reason Reason, format string, args ...any) error {
	return &ClusterMembershipOperationFailed{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// NodesConfigurationManagerError is returned by updateNodes when a request
// touches an attribute the manager treats as immutable (e.g. location).
type NodesConfigurationManagerError struct {
	Param string
	Msg   string
}

func (e *NodesConfigurationManagerError) Error() string {
	return fmt.Sprintf("nodes configuration manager error: INVALID_PARAM(%s): %s", e.Param, e.Msg)
}

func invalidParam(param, format string, args ...any) error {
	return &NodesConfigurationManagerError{Param: param, Msg: fmt.Sprintf(format, args...)}
}
