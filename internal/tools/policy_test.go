package tools

import (
	"reflect"
	"testing"
)

func TestNormalizeToolName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"canonical passes through", "bash", "bash"},
		{"exec alias", "exec", "bash"},
		{"shell alias", "shell", "bash"},
		{"hyphenated patch alias", "apply-patch", "apply_patch"},
		{"read alias", "read", "read_file"},
		{"write alias", "write", "write_file"},
		{"edit alias", "edit", "edit_file"},
		{"uppercase lowered", "BASH", "bash"},
		{"aliases case-insensitive", "Exec", "bash"},
		{"whitespace trimmed", "  read ", "read_file"},
		{"unknown unchanged", "web_search", "web_search"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeToolName(tt.in); got != tt.want {
				t.Errorf("NormalizeToolName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExpandGroups(t *testing.T) {
	got := ExpandGroups([]string{"group:fs", "web_search", "read"})
	want := []string{"read_file", "write_file", "edit_file", "apply_patch", "web_search"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExpandGroups = %v, want %v", got, want)
	}
}

func TestExpandGroupsDedupes(t *testing.T) {
	got := ExpandGroups([]string{"bash", "group:runtime", "exec"})
	want := []string{"bash", "process"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExpandGroups = %v, want %v", got, want)
	}
}

func TestPolicyAllows(t *testing.T) {
	tests := []struct {
		name   string
		policy *Policy
		tool   string
		want   bool
	}{
		{"nil policy denies", nil, "bash", false},
		{"empty policy denies", &Policy{}, "bash", false},
		{"full profile allows anything", &Policy{Profile: ProfileFull}, "browser", true},
		{"full profile still honors deny", &Policy{Profile: ProfileFull, Deny: []string{"bash"}}, "bash", false},
		{"full profile deny via alias", &Policy{Profile: ProfileFull, Deny: []string{"exec"}}, "bash", false},
		{"full profile deny via group", &Policy{Profile: ProfileFull, Deny: []string{"group:runtime"}}, "process", false},
		{"minimal allows session_status", &Policy{Profile: ProfileMinimal}, "session_status", true},
		{"minimal denies bash", &Policy{Profile: ProfileMinimal}, "bash", false},
		{"coding allows fs", &Policy{Profile: ProfileCoding}, "edit_file", true},
		{"coding allows image", &Policy{Profile: ProfileCoding}, "image", true},
		{"coding allows sessions", &Policy{Profile: ProfileCoding}, "sessions_spawn", true},
		{"coding denies messaging", &Policy{Profile: ProfileCoding}, "send_message", false},
		{"messaging allows send", &Policy{Profile: ProfileMessaging}, "send_message", true},
		{"messaging allows history", &Policy{Profile: ProfileMessaging}, "sessions_history", true},
		{"messaging denies spawn", &Policy{Profile: ProfileMessaging}, "sessions_spawn", false},
		{"explicit allow on top of profile", &Policy{Profile: ProfileMinimal, Allow: []string{"web_search"}}, "web_search", true},
		{"allow via alias", &Policy{Allow: []string{"read"}}, "read_file", true},
		{"check via alias", &Policy{Allow: []string{"read_file"}}, "read", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Allows(tt.tool); got != tt.want {
				t.Errorf("Allows(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestMergePolicies(t *testing.T) {
	global := &Policy{Profile: ProfileFull, Deny: []string{"browser"}}
	agent := &Policy{Profile: ProfileCoding, Allow: []string{"web_search"}}

	merged := MergePolicies(global, nil, agent)
	if merged.Profile != ProfileCoding {
		t.Errorf("profile = %q, want coding", merged.Profile)
	}
	if !merged.Allows("web_search") {
		t.Error("accumulated allow lost")
	}
	if merged.Allows("browser") {
		t.Error("deny from earlier layer not preserved")
	}
}

func TestPolicySetSandboxModes(t *testing.T) {
	set := PolicySet{
		Global:      &Policy{Profile: ProfileFull},
		Sandbox:     &Policy{Deny: []string{"group:runtime"}},
		SandboxMode: "non-main",
	}

	if got := set.Resolve(true); !got.Allows("bash") {
		t.Error("main session should escape a non-main sandbox")
	}
	if got := set.Resolve(false); got.Allows("bash") {
		t.Error("non-main session should be sandboxed")
	}

	set.SandboxMode = "all"
	if got := set.Resolve(true); got.Allows("bash") {
		t.Error("sandbox mode all should cover the main session")
	}

	set.SandboxMode = ""
	if got := set.Resolve(false); !got.Allows("bash") {
		t.Error("empty sandbox mode should disable the sandbox layer")
	}
}

func TestFilterForSenderHidesOwnerOnlyTools(t *testing.T) {
	policy := &Policy{Profile: ProfileFull}
	names := []string{"bash", "whatsapp_login", "session_status"}

	forOwner := FilterForSender(policy, names, true)
	if !reflect.DeepEqual(forOwner, []string{"bash", "whatsapp_login", "session_status"}) {
		t.Errorf("owner view = %v", forOwner)
	}

	forOther := FilterForSender(policy, names, false)
	for _, name := range forOther {
		if name == "whatsapp_login" {
			t.Fatal("owner-only tool visible to non-owner")
		}
	}
	if !reflect.DeepEqual(forOther, []string{"bash", "session_status"}) {
		t.Errorf("non-owner view = %v", forOther)
	}
}

func TestFilterForSenderAppliesPolicy(t *testing.T) {
	policy := &Policy{Profile: ProfileMinimal}
	got := FilterForSender(policy, []string{"bash", "session_status"}, true)
	if !reflect.DeepEqual(got, []string{"session_status"}) {
		t.Errorf("filtered = %v", got)
	}
}
