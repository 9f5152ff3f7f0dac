package domain

// Listener receives every lifecycle event of a job. Calls for one job arrive
// in causal order on the manager's callback executor.
type Listener interface {
	OnStart(id int64, url, path string, totalBytes int64)
	OnRetry(id int64, url, path string)
	OnProgress(id int64, url, path string, bytesWritten, totalBytes int64)
	OnSuccess(id int64, url, path string)
	OnFailure(id int64, url, path string, statusCode int, message string)
	OnCancel(id int64, url, path string)
	OnStop(id int64, url, path string)
}

// SimpleListener receives only success and failure. It is notified in
// addition to the Listener when both are set.
type SimpleListener interface {
	OnSuccess(id int64, url, path string)
	OnFailure(id int64, url string, statusCode int, message string)
}

// NetworkMonitor reports the network the host is currently attached to.
type NetworkMonitor interface {
	Current() NetworkType
}

// NetworkAllowed reports whether a job restricted to allowed may transfer
// while the monitor reports current. A zero mask allows everything.
func NetworkAllowed(allowed, current NetworkType) bool {
	return allowed == 0 || allowed&current != 0
}
