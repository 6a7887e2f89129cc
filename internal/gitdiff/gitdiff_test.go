package gitdiff

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tony-jang/ai-review/internal/fault"
)

const sampleDiff = `diff --git a/p.go b/p.go
index 1111111..2222222 100644
--- a/p.go
+++ b/p.go
@@ -10,4 +10,5 @@ func parse() {
 	a := 1
-	b := nil
+	b := 2
+	c := 3
 	_ = a
 }
diff --git a/new.go b/new.go
new file mode 100644
index 0000000..3333333
--- /dev/null
+++ b/new.go
@@ -0,0 +1,2 @@
+package p
+
diff --git a/old.go b/old.go
deleted file mode 100644
index 4444444..0000000
--- a/old.go
+++ /dev/null
@@ -1,1 +0,0 @@
-package p
`

const sampleNumstat = "2\t1\tp.go\n2\t0\tnew.go\n0\t1\told.go\n"

func TestParseFiles(t *testing.T) {
	files, err := ParseFiles(sampleNumstat, sampleDiff)
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, "p.go", files[0].Path)
	assert.Equal(t, "modified", files[0].Status)
	assert.Equal(t, 2, files[0].Additions)
	assert.Equal(t, 1, files[0].Deletions)

	assert.Equal(t, "new.go", files[1].Path)
	assert.Equal(t, "added", files[1].Status)

	assert.Equal(t, "old.go", files[2].Path)
	assert.Equal(t, "deleted", files[2].Status)
}

func TestParseFilesEmpty(t *testing.T) {
	files, err := ParseFiles("", "")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestHunks(t *testing.T) {
	hunks := Hunks(sampleDiff)
	require.NotEmpty(t, hunks)
	assert.Equal(t, 10, hunks[0].OldStart)
	assert.Equal(t, 4, hunks[0].OldLines)
	assert.Equal(t, 10, hunks[0].NewStart)
	assert.Equal(t, 5, hunks[0].NewLines)
}

func TestResolveInRootRejectsTraversal(t *testing.T) {
	r := NewReader()
	root := t.TempDir()

	_, err := r.resolveInRoot(root, "../outside.go")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Repo))

	_, err = r.resolveInRoot(root, "a/../../outside.go")
	assert.Error(t, err)

	rel, err := r.resolveInRoot(root, "a/b.go")
	require.NoError(t, err)
	assert.Equal(t, "a/b.go", rel)
}

func TestValidateRejectsNonRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	r := NewReader()
	_, err := r.Validate(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Repo))
}

func TestValidateRejectsMissingPath(t *testing.T) {
	r := NewReader()
	_, err := r.Validate(context.Background(), "/no/such/dir/for/sure")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Repo))
}
