package smali

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

const sampleWithClinit = `.class public final Lcom/example/Main;
.super Landroid/app/Activity;

# static fields
.field private static count:I

# direct methods
.method static constructor <clinit>()V
    .locals 1

    const/4 v0, 0x0

    sput v0, Lcom/example/Main;->count:I

    return-void
.end method

.method public constructor <init>()V
    .locals 0

    invoke-direct {p0}, Landroid/app/Activity;-><init>()V

    return-void
.end method
`

const sampleNoClinit = `.class public final Lcom/example/Plain;
.super Ljava/lang/Object;

.method public constructor <init>()V
    .locals 0

    invoke-direct {p0}, Ljava/lang/Object;-><init>()V

    return-void
.end method
`

func writeSample(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Main.smali")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExtractsClassType(t *testing.T) {
	u, err := Load(writeSample(t, sampleWithClinit))
	if err != nil {
		t.Fatal(err)
	}
	if u.ClassType != "Lcom/example/Main;" {
		t.Errorf("ClassType = %q", u.ClassType)
	}
	if !u.HasStaticInitializer() {
		t.Error("static initializer not detected")
	}
}

func TestInjectIntoExistingClinit(t *testing.T) {
	path := writeSample(t, sampleWithClinit)
	u, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	name, err := u.InjectStaticCall("loadGadget", 1, []string{
		`    const-string v0, "gadget"`,
		`    invoke-static {v0}, Ljava/lang/System;->loadLibrary(Ljava/lang/String;)V`,
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(string(data), "\n")

	// The invocation must be the first line inside the existing <clinit> body.
	sigIdx := -1
	for i, line := range lines {
		if strings.Contains(line, "constructor <clinit>()V") && strings.HasPrefix(strings.TrimSpace(line), ".method") {
			sigIdx = i
			break
		}
	}
	if sigIdx < 0 {
		t.Fatal("no <clinit> signature after injection")
	}
	want := "invoke-static {}, Lcom/example/Main;->" + name + "()V"
	if !strings.Contains(lines[sigIdx+1], want) {
		t.Errorf("line after <clinit> signature = %q, want call to %s", lines[sigIdx+1], name)
	}

	// Every original <clinit> instruction must survive, in order, after it.
	for _, orig := range []string{"const/4 v0, 0x0", "sput v0, Lcom/example/Main;->count:I"} {
		if !strings.Contains(string(data), orig) {
			t.Errorf("original instruction %q lost", orig)
		}
	}

	// The new method definition exists exactly once.
	if n := strings.Count(string(data), ".method private static "+name+"()V"); n != 1 {
		t.Errorf("injected method defined %d times", n)
	}
}

func TestInjectWithoutClinitAppendsOne(t *testing.T) {
	path := writeSample(t, sampleNoClinit)
	u, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	name, err := u.InjectStaticCall("loadGadget", 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)

	if n := strings.Count(text, "constructor <clinit>()V"); n != 1 {
		t.Fatalf("%d <clinit> definitions, want 1", n)
	}

	// Body of the synthesized <clinit> is exactly: invocation, return.
	lines := strings.Split(text, "\n")
	var sig int
	for i, line := range lines {
		if strings.Contains(line, "constructor <clinit>()V") {
			sig = i
		}
	}
	var body []string
	for _, line := range lines[sig+1:] {
		t2 := strings.TrimSpace(line)
		if t2 == ".end method" {
			break
		}
		if t2 == "" || strings.HasPrefix(t2, ".locals") {
			continue
		}
		body = append(body, t2)
	}
	if len(body) != 2 {
		t.Fatalf("synthesized <clinit> body = %q, want invoke + return", body)
	}
	if !strings.Contains(body[0], name+"()V") || body[1] != "return-void" {
		t.Errorf("synthesized <clinit> body = %q", body)
	}
}

func TestInjectFailsWithoutClassDecl(t *testing.T) {
	path := writeSample(t, ".super Ljava/lang/Object;\n")
	u, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(path)

	if _, err := u.InjectStaticCall("x", 0, nil); err == nil {
		t.Fatal("expected error for unit without .class declaration")
	}

	// Failure must leave the unit untouched.
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("unit was modified despite failure")
	}
}

func TestLoadRejectsNonUTF8(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.smali")
	if err := os.WriteFile(path, []byte{0xff, 0xfe, 0x00, 0x80}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-UTF8 unit")
	}
}

func TestGeneratedNamesUnique(t *testing.T) {
	namePat := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		tok := randomToken()
		if !namePat.MatchString(tok) {
			t.Fatalf("token %q is not 32 hex chars", tok)
		}
		if seen[tok] {
			t.Fatalf("token collision after %d draws: %s", i, tok)
		}
		seen[tok] = true
	}
}

func TestContainsMarker(t *testing.T) {
	u, err := Load(writeSample(t, sampleWithClinit))
	if err != nil {
		t.Fatal(err)
	}
	if u.Contains(`const-string v0, "gadget"`) {
		t.Error("marker present before injection")
	}
	if _, err := u.InjectStaticCall("loadGadget", 1, []string{`    const-string v0, "gadget"`}); err != nil {
		t.Fatal(err)
	}
	if !u.Contains(`const-string v0, "gadget"`) {
		t.Error("marker absent after injection")
	}
}
