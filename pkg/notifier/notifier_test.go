package notifier

import "testing"

func TestParseUnreadKey(t *testing.T) {
	tests := []struct {
		key    UnreadKey
		kind   SurfaceKind
		id     string
		wantOK bool
	}{
		{GeneralKey, SurfaceGeneral, "", true},
		{SubChatKey("x"), SurfaceSubChat, "x", true},
		{CampaignKey("spring-2026"), SurfaceCampaign, "spring-2026", true},
		{"subchat_", "", "", false},
		{"subchat_x.y", "", "", false},
		{"campaign_$set", "", "", false},
		{"campaign_a/b", "", "", false},
		{"dm_x", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.key), func(t *testing.T) {
			kind, id, ok := ParseUnreadKey(tt.key)
			if ok != tt.wantOK || kind != tt.kind || id != tt.id {
				t.Errorf("ParseUnreadKey(%q) = %q, %q, %v; want %q, %q, %v",
					tt.key, kind, id, ok, tt.kind, tt.id, tt.wantOK)
			}
		})
	}
}
