package services

import (
	"context"
	"fmt"

	"github.com/enfyra/engine/pkg/migrator"
	"github.com/enfyra/engine/pkg/workqueue"
)

// RenameFieldTask rewrites every document in a collection to carry a renamed
// field. It runs on the background queue after the metadata rename has
// committed, so reads against the new name work immediately for new writes
// and converge for old documents once the task completes.
type RenameFieldTask struct {
	workqueue.BaseTask
	renamer    migrator.FieldRenamer
	collection string
	oldName    string
	newName    string
}

// NewRenameFieldTask builds the background rewrite for one renamed column.
func NewRenameFieldTask(renamer migrator.FieldRenamer, collection, oldName, newName string) *RenameFieldTask {
	return &RenameFieldTask{
		BaseTask:   workqueue.NewBaseTask(fmt.Sprintf("rename %s.%s to %s", collection, oldName, newName)),
		renamer:    renamer,
		collection: collection,
		oldName:    oldName,
		newName:    newName,
	}
}

func (t *RenameFieldTask) Execute(ctx context.Context, _ workqueue.TaskEnqueuer) error {
	return t.renamer.RenameField(ctx, t.collection, t.oldName, t.newName)
}
