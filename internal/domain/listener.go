package domain

// BaseListener implements Listener with no-ops. Embed it to handle only
// the events you care about.
type BaseListener struct{}

func (BaseListener) OnStart(int64, string, string, int64)           {}
func (BaseListener) OnRetry(int64, string, string)                  {}
func (BaseListener) OnProgress(int64, string, string, int64, int64) {}
func (BaseListener) OnSuccess(int64, string, string)                {}
func (BaseListener) OnFailure(int64, string, string, int, string)   {}
func (BaseListener) OnCancel(int64, string, string)                 {}
func (BaseListener) OnStop(int64, string, string)                   {}

var _ Listener = BaseListener{}

// MultiListener fans every event out to its members in order. Nil members
// are skipped.
type MultiListener []Listener

func (m MultiListener) OnStart(id int64, url, path string, total int64) {
	for _, l := range m {
		if l != nil {
			l.OnStart(id, url, path, total)
		}
	}
}

func (m MultiListener) OnRetry(id int64, url, path string) {
	for _, l := range m {
		if l != nil {
			l.OnRetry(id, url, path)
		}
	}
}

func (m MultiListener) OnProgress(id int64, url, path string, written, total int64) {
	for _, l := range m {
		if l != nil {
			l.OnProgress(id, url, path, written, total)
		}
	}
}

func (m MultiListener) OnSuccess(id int64, url, path string) {
	for _, l := range m {
		if l != nil {
			l.OnSuccess(id, url, path)
		}
	}
}

func (m MultiListener) OnFailure(id int64, url, path string, code int, msg string) {
	for _, l := range m {
		if l != nil {
			l.OnFailure(id, url, path, code, msg)
		}
	}
}

func (m MultiListener) OnCancel(id int64, url, path string) {
	for _, l := range m {
		if l != nil {
			l.OnCancel(id, url, path)
		}
	}
}

func (m MultiListener) OnStop(id int64, url, path string) {
	for _, l := range m {
		if l != nil {
			l.OnStop(id, url, path)
		}
	}
}
