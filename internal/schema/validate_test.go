package schema

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "trims and collapses", input: "  Buy \t  milk\n", want: "Buy milk"},
		{name: "strips control characters", input: "Pay\x00 rent\x07", want: "Pay rent"},
		{name: "keeps unicode", input: "Café ☕ run", want: "Café ☕ run"},
		{name: "empty", input: "", wantErr: true},
		{name: "whitespace only", input: " \t\n ", wantErr: true},
		{name: "script tag", input: "<script>alert(1)</script>", wantErr: true},
		{name: "javascript url", input: "open javascript:alert(1)", wantErr: true},
		{name: "inline handler", input: "img onerror=steal()", wantErr: true},
		{name: "html tag", input: "hello <b>world</b>", wantErr: true},
		{name: "ordinary equals sign", input: "check one = two", want: "check one = two"},
		{name: "exactly max length", input: strings.Repeat("a", MaxTitleLength), want: strings.Repeat("a", MaxTitleLength)},
		{name: "too long", input: strings.Repeat("a", MaxTitleLength+1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeTitle(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("SanitizeTitle(%q) = %q, want error", tt.input, got)
				}
				if !errors.Is(err, ErrValidation) {
					t.Errorf("SanitizeTitle(%q) error = %v, want ErrValidation", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SanitizeTitle(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("SanitizeTitle(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateCreate(t *testing.T) {
	tests := []struct {
		name      string
		dto       CreateTodo
		wantField string
	}{
		{name: "valid minimal", dto: CreateTodo{Title: "Write report"}},
		{name: "valid full", dto: CreateTodo{Title: "Write report", Description: "Q3 numbers", Priority: IntPtr(3), EstimatedTime: IntPtr(45)}},
		{name: "priority too low", dto: CreateTodo{Title: "x", Priority: IntPtr(0)}, wantField: "priority"},
		{name: "priority too high", dto: CreateTodo{Title: "x", Priority: IntPtr(6)}, wantField: "priority"},
		{name: "negative estimate", dto: CreateTodo{Title: "x", EstimatedTime: IntPtr(-5)}, wantField: "estimatedTime"},
		{name: "unsafe description", dto: CreateTodo{Title: "x", Description: "<iframe src=x>"}, wantField: "description"},
		{name: "long description", dto: CreateTodo{Title: "x", Description: strings.Repeat("d", MaxDescriptionLength+1)}, wantField: "description"},
		{name: "missing title", dto: CreateTodo{Description: "orphan"}, wantField: "title"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dto := tt.dto
			err := ValidateCreate(&dto)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("ValidateCreate() unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("ValidateCreate() error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("ValidateCreate() field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestValidateCreate_SanitizesInPlace(t *testing.T) {
	dto := CreateTodo{Title: "  Plan   trip ", Description: "  bring maps  "}
	if err := ValidateCreate(&dto); err != nil {
		t.Fatalf("ValidateCreate() failed: %v", err)
	}
	if dto.Title != "Plan trip" {
		t.Errorf("Title = %q, want %q", dto.Title, "Plan trip")
	}
	if dto.Description != "bring maps" {
		t.Errorf("Description = %q, want %q", dto.Description, "bring maps")
	}
}

func TestValidatePatch(t *testing.T) {
	p := TodoPatch{Title: StringPtr("  Renamed  task ")}
	if err := ValidatePatch(&p); err != nil {
		t.Fatalf("ValidatePatch() failed: %v", err)
	}
	if *p.Title != "Renamed task" {
		t.Errorf("Title = %q, want %q", *p.Title, "Renamed task")
	}

	bad := TodoPatch{Title: StringPtr("   ")}
	if err := ValidatePatch(&bad); !errors.Is(err, ErrValidation) {
		t.Errorf("ValidatePatch(blank title) error = %v, want ErrValidation", err)
	}

	neg := TodoPatch{Order: IntPtr(-1)}
	if err := ValidatePatch(&neg); !errors.Is(err, ErrValidation) {
		t.Errorf("ValidatePatch(negative order) error = %v, want ErrValidation", err)
	}

	both := TodoPatch{Priority: IntPtr(2), ClearPriority: true}
	if err := ValidatePatch(&both); !errors.Is(err, ErrValidation) {
		t.Errorf("ValidatePatch(set and clear) error = %v, want ErrValidation", err)
	}

	// an empty patch is valid; callers decide whether it is a no-op
	empty := TodoPatch{}
	if err := ValidatePatch(&empty); err != nil {
		t.Errorf("ValidatePatch(empty) unexpected error: %v", err)
	}
}

func TestTodo_Validate(t *testing.T) {
	now := time.Now()
	valid := Todo{ID: "t-1", Title: "Ship it", CreatedAt: now, UpdatedAt: now}

	tests := []struct {
		name    string
		mutate  func(*Todo)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Todo) {}},
		{name: "missing id", mutate: func(td *Todo) { td.ID = "" }, wantErr: true},
		{name: "missing created_at", mutate: func(td *Todo) { td.CreatedAt = time.Time{} }, wantErr: true},
		{name: "completed without timestamp", mutate: func(td *Todo) { td.Completed = true }, wantErr: true},
		{name: "timestamp without completion", mutate: func(td *Todo) { td.CompletedAt = &now }, wantErr: true},
		{name: "completed with timestamp", mutate: func(td *Todo) { td.Completed = true; td.CompletedAt = &now }},
		{name: "bad priority", mutate: func(td *Todo) { td.Priority = IntPtr(9) }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			td := valid.Clone()
			tt.mutate(&td)
			err := td.Validate()
			if tt.wantErr && err == nil {
				t.Errorf("Validate() expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestConflictResolution_Validate(t *testing.T) {
	tests := []struct {
		name    string
		res     ConflictResolution
		wantErr bool
	}{
		{name: "local", res: ConflictResolution{TodoID: "a", Resolution: ResolveLocal}},
		{name: "remote", res: ConflictResolution{TodoID: "a", Resolution: ResolveRemote}},
		{name: "merge with data", res: ConflictResolution{TodoID: "a", Resolution: ResolveMerge, MergedData: &TodoPatch{Completed: BoolPtr(true)}}},
		{name: "merge without data", res: ConflictResolution{TodoID: "a", Resolution: ResolveMerge}, wantErr: true},
		{name: "unknown", res: ConflictResolution{TodoID: "a", Resolution: "both"}, wantErr: true},
		{name: "no target", res: ConflictResolution{Resolution: ResolveLocal}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.res.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
