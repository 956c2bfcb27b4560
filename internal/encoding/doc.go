// Package encoding renders a composition timeline to the final video file.
//
// Each segment is first rendered to a lossless-enough intermediate: the scene
// background with every visible avatar overlaid in its region and the
// segment's speech as the audio track, trimmed to the segment's exact frame
// count. A join pass then stitches the intermediates together, applying
// fade and dissolve transitions without moving segment bounds, and encodes
// with the configured codec and quality. With video.drapto enabled the join
// pass writes an H.264 mezzanine and the AV1 encode is handed to Drapto.
package encoding
