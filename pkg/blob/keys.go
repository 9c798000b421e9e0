package blob

import (
	"fmt"
	"time"

	"github.com/visage-ai/visage/pkg/types"
)

// Key layout for the avatar-media bucket. Every generated artifact embeds a
// millisecond timestamp so repeated runs of the same job never collide.

// TempAudioKey is where a video job parks synthesized speech until the render
// worker has consumed it. Removed on every job exit path.
func TempAudioKey(ownerID, jobID string, now time.Time) string {
	return fmt.Sprintf("temp_audio/%s/%s-%d.wav", ownerID, jobID, now.UnixMilli())
}

// FinalAudioKey is the artifact location for a completed audio job.
func FinalAudioKey(ownerID, jobID string, now time.Time) string {
	return fmt.Sprintf("generated_audio/%s/%s-%d.wav", ownerID, jobID, now.UnixMilli())
}

// FinalVideoKey is the artifact location for a video job completed by the
// polling path.
func FinalVideoKey(jobID string, quality types.Quality, now time.Time) string {
	return fmt.Sprintf("generated_videos/%s/%s-%d.mp4", jobID, quality, now.UnixMilli())
}

// CallbackVideoKey is the artifact location for a video job completed by the
// worker callback, which does not know the render tier.
func CallbackVideoKey(jobID string, now time.Time) string {
	return fmt.Sprintf("generated_videos/%s/%d.mp4", jobID, now.UnixMilli())
}
