package claims

import "testing"

func TestNextStatusTable(t *testing.T) {
	statuses := []Status{StatusSubmitted, StatusSubmittedToTPA, StatusInfoRequested, StatusApproved, StatusRejected}
	actions := []Action{ActionSubmitToTPA, ActionApprove, ActionReject, ActionRequestInfo}

	defined := map[Status]map[Action]Status{
		StatusSubmitted:      {ActionSubmitToTPA: StatusSubmittedToTPA},
		StatusSubmittedToTPA: {ActionApprove: StatusApproved, ActionReject: StatusRejected, ActionRequestInfo: StatusInfoRequested},
		StatusInfoRequested:  {ActionSubmitToTPA: StatusSubmittedToTPA},
	}

	// Every (status, action) pair either matches the table above or is
	// undefined. Terminal states define nothing.
	for _, from := range statuses {
		for _, a := range actions {
			want, wantOK := defined[from][a]
			got, ok := NextStatus(from, a)
			if ok != wantOK {
				t.Errorf("NextStatus(%s, %s) defined = %v, want %v", from, a, ok, wantOK)
				continue
			}
			if ok && got != want {
				t.Errorf("NextStatus(%s, %s) = %s, want %s", from, a, got, want)
			}
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	cases := []struct {
		status Status
		want   bool
	}{
		{StatusSubmitted, false},
		{StatusSubmittedToTPA, false},
		{StatusInfoRequested, false},
		{StatusApproved, true},
		{StatusRejected, true},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.want {
			t.Errorf("%s.Terminal() = %v, want %v", tc.status, got, tc.want)
		}
	}
}
