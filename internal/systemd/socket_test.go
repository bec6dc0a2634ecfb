package systemd

import "testing"

func TestOutsideSystemd(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	ln, err := GetListeners()
	if err != nil {
		t.Fatalf("GetListeners: %v", err)
	}
	if ln.Activated || ln.HTTP != nil {
		t.Errorf("expected no activated listeners, got %+v", ln)
	}
	if IsSystemdService() {
		t.Error("expected not to be a systemd service")
	}
	if WatchdogInterval() != 0 {
		t.Error("expected watchdog to be disabled")
	}
	if err := NotifyReady(); err != nil {
		t.Errorf("NotifyReady without a socket: %v", err)
	}
	if err := NotifyStopping(); err != nil {
		t.Errorf("NotifyStopping without a socket: %v", err)
	}
}
