//go:build linux && cgo
// +build linux,cgo

package gpu

/*
#cgo pkg-config: egl glesv2 gbm
#include <stdlib.h>
#include <stdint.h>
#include <EGL/egl.h>
#include <EGL/eglext.h>
#include <GLES2/gl2.h>
#include <GLES2/gl2ext.h>
#include <gbm.h>

static PFNEGLGETPLATFORMDISPLAYEXTPROC wm_get_platform_display;
static PFNEGLCREATEIMAGEKHRPROC wm_create_image_khr;
static PFNEGLDESTROYIMAGEKHRPROC wm_destroy_image_khr;
static PFNGLEGLIMAGETARGETTEXTURE2DOESPROC wm_image_target_texture;
static PFNGLEGLIMAGETARGETRENDERBUFFERSTORAGEOESPROC wm_image_target_renderbuffer;

static int wm_load_procs(void) {
	wm_get_platform_display = (PFNEGLGETPLATFORMDISPLAYEXTPROC)eglGetProcAddress("eglGetPlatformDisplayEXT");
	wm_create_image_khr = (PFNEGLCREATEIMAGEKHRPROC)eglGetProcAddress("eglCreateImageKHR");
	wm_destroy_image_khr = (PFNEGLDESTROYIMAGEKHRPROC)eglGetProcAddress("eglDestroyImageKHR");
	wm_image_target_texture = (PFNGLEGLIMAGETARGETTEXTURE2DOESPROC)eglGetProcAddress("glEGLImageTargetTexture2DOES");
	wm_image_target_renderbuffer = (PFNGLEGLIMAGETARGETRENDERBUFFERSTORAGEOESPROC)eglGetProcAddress("glEGLImageTargetRenderbufferStorageOES");
	return wm_get_platform_display && wm_create_image_khr && wm_destroy_image_khr &&
		wm_image_target_texture && wm_image_target_renderbuffer;
}

static EGLDisplay wm_gbm_display(struct gbm_device *gbm) {
	return wm_get_platform_display(EGL_PLATFORM_GBM_KHR, gbm, NULL);
}

static EGLContext wm_create_context(EGLDisplay dpy) {
	const EGLint attribs[] = {
		EGL_CONTEXT_CLIENT_VERSION, 2,
		EGL_NONE,
	};
	return eglCreateContext(dpy, EGL_NO_CONFIG_KHR, EGL_NO_CONTEXT, attribs);
}

static EGLImageKHR wm_create_image(EGLDisplay dpy, const EGLint *attribs) {
	return wm_create_image_khr(dpy, EGL_NO_CONTEXT, EGL_LINUX_DMA_BUF_EXT, NULL, attribs);
}

static void wm_destroy_image(EGLDisplay dpy, EGLImageKHR image) {
	wm_destroy_image_khr(dpy, image);
}

static void wm_bind_texture_image(EGLImageKHR image) {
	wm_image_target_texture(GL_TEXTURE_2D, (GLeglImageOES)image);
}

static void wm_bind_renderbuffer_image(EGLImageKHR image) {
	wm_image_target_renderbuffer(GL_RENDERBUFFER, (GLeglImageOES)image);
}

static int wm_is_no_image(EGLImageKHR image) {
	return image == EGL_NO_IMAGE_KHR;
}

static void wm_vertex_attrib(GLuint loc, GLint size, GLsizei stride, uintptr_t offset) {
	glVertexAttribPointer(loc, size, GL_FLOAT, GL_FALSE, stride, (const void *)offset);
}
*/
import "C"

import (
	"fmt"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/bnema/waymirror/internal/capture"
	"github.com/bnema/waymirror/internal/logger"
	"golang.org/x/sys/unix"
)

const (
	eglContextLost = 0x300E
	eglBadMatch    = 0x3009
	eglBadParam    = 0x300C
	eglBadAlloc    = 0x3003
	glContextLost  = 0x0507
)

const vertexShader = `#version 100
attribute vec2 pos;
attribute vec2 tex;
varying vec2 v_tex;
void main() {
	gl_Position = vec4(pos, 0.0, 1.0);
	v_tex = tex;
}
`

const fragmentShader = `#version 100
precision mediump float;
varying vec2 v_tex;
uniform sampler2D u_texture;
void main() {
	gl_FragColor = texture2D(u_texture, v_tex);
}
`

// eglDevice renders with EGL on a GBM render node
type eglDevice struct {
	renderNode string
	nodeFD     int
	gbm        *C.struct_gbm_device
	display    C.EGLDisplay
	context    C.EGLContext
	modifiers  bool

	program C.GLuint
	posLoc  C.GLuint
	texLoc  C.GLuint
	vbo     C.GLuint

	generation uint64
}

// Open creates the rendering context on renderNode, or on the first
// /dev/dri/renderD* node when renderNode is empty.
func Open(renderNode string) (Device, error) {
	if renderNode == "" {
		nodes, _ := filepath.Glob("/dev/dri/renderD*")
		if len(nodes) == 0 {
			return nil, ErrNoDevice
		}
		renderNode = nodes[0]
	}

	d := &eglDevice{renderNode: renderNode, nodeFD: -1}
	if err := d.init(); err != nil {
		d.teardown()
		return nil, err
	}
	logger.Debug("GPU device ready", "node", renderNode, "modifiers", d.modifiers)
	return d, nil
}

func (d *eglDevice) init() error {
	fd, err := unix.Open(d.renderNode, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrNoDevice, d.renderNode, err)
	}
	d.nodeFD = fd

	d.gbm = C.gbm_create_device(C.int(fd))
	if d.gbm == nil {
		return fmt.Errorf("%w: gbm_create_device failed on %s", ErrNoDevice, d.renderNode)
	}

	if C.wm_load_procs() == 0 {
		return fmt.Errorf("%w: missing EGL dmabuf entry points", ErrNoDevice)
	}

	d.display = C.wm_gbm_display(d.gbm)
	if d.display == nil {
		return fmt.Errorf("%w: no EGL display for %s", ErrNoDevice, d.renderNode)
	}
	var major, minor C.EGLint
	if C.eglInitialize(d.display, &major, &minor) == C.EGL_FALSE {
		return fmt.Errorf("%w: eglInitialize: %#x", ErrNoDevice, int(C.eglGetError()))
	}

	exts := C.GoString(C.eglQueryString(d.display, C.EGL_EXTENSIONS))
	for _, required := range []string{"EGL_EXT_image_dma_buf_import", "EGL_KHR_surfaceless_context", "EGL_KHR_no_config_context"} {
		if !hasExtension(exts, required) {
			return fmt.Errorf("%w: %s not supported", ErrNoDevice, required)
		}
	}
	d.modifiers = hasExtension(exts, "EGL_EXT_image_dma_buf_import_modifiers")

	return d.initContext()
}

func (d *eglDevice) initContext() error {
	if C.eglBindAPI(C.EGL_OPENGL_ES_API) == C.EGL_FALSE {
		return fmt.Errorf("%w: eglBindAPI", ErrNoDevice)
	}
	d.context = C.wm_create_context(d.display)
	if d.context == nil {
		return fmt.Errorf("%w: eglCreateContext: %#x", ErrNoDevice, int(C.eglGetError()))
	}
	if err := d.makeCurrent(); err != nil {
		return err
	}

	program, err := linkProgram(vertexShader, fragmentShader)
	if err != nil {
		return err
	}
	d.program = program
	d.posLoc = C.GLuint(C.glGetAttribLocation(program, cstr("pos")))
	d.texLoc = C.GLuint(C.glGetAttribLocation(program, cstr("tex")))
	C.glGenBuffers(1, &d.vbo)
	d.generation++
	return nil
}

func (d *eglDevice) makeCurrent() error {
	if C.eglMakeCurrent(d.display, nil, nil, d.context) == C.EGL_FALSE {
		if int(C.eglGetError()) == eglContextLost {
			return ErrDeviceLost
		}
		return fmt.Errorf("eglMakeCurrent failed")
	}
	return nil
}

// Import implements Device
func (d *eglDevice) Import(frame *capture.Frame) (Texture, error) {
	if err := d.makeCurrent(); err != nil {
		return nil, err
	}

	attribs := toEGLAttribs(dmabufAttribs(int(frame.Width), int(frame.Height), frame.Format, frame.Modifier, framePlanes(frame), d.modifiers))
	image := C.wm_create_image(d.display, &attribs[0])
	if C.wm_is_no_image(image) != 0 {
		return nil, classifyEGLError(fmt.Sprintf("import %s", frame))
	}

	var tex C.GLuint
	C.glGenTextures(1, &tex)
	C.glBindTexture(C.GL_TEXTURE_2D, tex)
	C.wm_bind_texture_image(image)
	C.glTexParameteri(C.GL_TEXTURE_2D, C.GL_TEXTURE_MIN_FILTER, C.GL_LINEAR)
	C.glTexParameteri(C.GL_TEXTURE_2D, C.GL_TEXTURE_MAG_FILTER, C.GL_LINEAR)
	C.glTexParameteri(C.GL_TEXTURE_2D, C.GL_TEXTURE_WRAP_S, C.GL_CLAMP_TO_EDGE)
	C.glTexParameteri(C.GL_TEXTURE_2D, C.GL_TEXTURE_WRAP_T, C.GL_CLAMP_TO_EDGE)

	if err := glError(); err != nil {
		C.glDeleteTextures(1, &tex)
		C.wm_destroy_image(d.display, image)
		return nil, err
	}

	return &eglTexture{
		dev:    d,
		gen:    d.generation,
		id:     tex,
		image:  image,
		width:  int(frame.Width),
		height: int(frame.Height),
		frame:  frame,
	}, nil
}

// Upload implements Device
func (d *eglDevice) Upload(width, height int, rgba []byte) (Texture, error) {
	if len(rgba) != width*height*4 {
		return nil, fmt.Errorf("upload: %d bytes for %dx%d", len(rgba), width, height)
	}
	if err := d.makeCurrent(); err != nil {
		return nil, err
	}

	var tex C.GLuint
	C.glGenTextures(1, &tex)
	C.glBindTexture(C.GL_TEXTURE_2D, tex)
	C.glTexParameteri(C.GL_TEXTURE_2D, C.GL_TEXTURE_MIN_FILTER, C.GL_LINEAR)
	C.glTexParameteri(C.GL_TEXTURE_2D, C.GL_TEXTURE_MAG_FILTER, C.GL_LINEAR)
	C.glTexImage2D(C.GL_TEXTURE_2D, 0, C.GL_RGBA, C.GLsizei(width), C.GLsizei(height), 0, C.GL_RGBA, C.GL_UNSIGNED_BYTE, unsafe.Pointer(&rgba[0]))
	if err := glError(); err != nil {
		C.glDeleteTextures(1, &tex)
		return nil, err
	}
	return &eglTexture{dev: d, gen: d.generation, id: tex, width: width, height: height}, nil
}

// NewTarget implements Device
func (d *eglDevice) NewTarget(width, height int) (Target, error) {
	if err := d.makeCurrent(); err != nil {
		return nil, err
	}

	bo := C.gbm_bo_create(d.gbm, C.uint32_t(width), C.uint32_t(height), C.uint32_t(FormatXRGB8888), C.GBM_BO_USE_RENDERING)
	if bo == nil {
		return nil, fmt.Errorf("gbm_bo_create %dx%d failed", width, height)
	}

	t := &eglTarget{
		dev:      d,
		gen:      d.generation,
		bo:       bo,
		width:    width,
		height:   height,
		modifier: uint64(C.gbm_bo_get_modifier(bo)),
	}
	count := int(C.gbm_bo_get_plane_count(bo))
	for i := 0; i < count; i++ {
		fd := int(C.gbm_bo_get_fd(bo))
		if fd < 0 {
			t.Destroy()
			return nil, fmt.Errorf("gbm_bo_get_fd failed")
		}
		t.planes = append(t.planes, BufferPlane{
			FD:     fd,
			Offset: uint32(C.gbm_bo_get_offset(bo, C.int(i))),
			Stride: uint32(C.gbm_bo_get_stride_for_plane(bo, C.int(i))),
		})
	}

	planes := make([]importPlane, len(t.planes))
	for i, p := range t.planes {
		planes[i] = importPlane{fd: p.FD, offset: p.Offset, stride: p.Stride}
	}
	attribs := toEGLAttribs(dmabufAttribs(width, height, FormatXRGB8888, t.modifier, planes, d.modifiers))
	t.image = C.wm_create_image(d.display, &attribs[0])
	if C.wm_is_no_image(t.image) != 0 {
		t.image = nil
		t.Destroy()
		return nil, classifyEGLError("import render target")
	}

	C.glGenRenderbuffers(1, &t.rbo)
	C.glBindRenderbuffer(C.GL_RENDERBUFFER, t.rbo)
	C.wm_bind_renderbuffer_image(t.image)
	C.glGenFramebuffers(1, &t.fbo)
	C.glBindFramebuffer(C.GL_FRAMEBUFFER, t.fbo)
	C.glFramebufferRenderbuffer(C.GL_FRAMEBUFFER, C.GL_COLOR_ATTACHMENT0, C.GL_RENDERBUFFER, t.rbo)
	status := C.glCheckFramebufferStatus(C.GL_FRAMEBUFFER)
	C.glBindFramebuffer(C.GL_FRAMEBUFFER, 0)
	if status != C.GL_FRAMEBUFFER_COMPLETE {
		t.Destroy()
		return nil, fmt.Errorf("render target framebuffer incomplete: %#x", int(status))
	}
	return t, nil
}

// Draw implements Device
func (d *eglDevice) Draw(target Target, pass Pass) error {
	t, ok := target.(*eglTarget)
	if !ok || t.gen != d.generation {
		return fmt.Errorf("%w: stale render target", ErrDeviceLost)
	}
	if err := d.makeCurrent(); err != nil {
		return fmt.Errorf("draw %s: %w", t.label, err)
	}

	C.glBindFramebuffer(C.GL_FRAMEBUFFER, t.fbo)
	C.glViewport(0, 0, C.GLsizei(t.width), C.GLsizei(t.height))
	C.glClearColor(C.GLfloat(pass.Clear[0]), C.GLfloat(pass.Clear[1]), C.GLfloat(pass.Clear[2]), C.GLfloat(pass.Clear[3]))
	C.glClear(C.GL_COLOR_BUFFER_BIT)

	C.glUseProgram(d.program)
	C.glBindBuffer(C.GL_ARRAY_BUFFER, d.vbo)
	C.glEnableVertexAttribArray(d.posLoc)
	C.glEnableVertexAttribArray(d.texLoc)
	C.glActiveTexture(C.GL_TEXTURE0)

	for _, q := range pass.Quads {
		tex, ok := q.Texture.(*eglTexture)
		if !ok || tex.id == 0 || tex.gen != d.generation {
			continue
		}
		if q.Blend {
			C.glEnable(C.GL_BLEND)
			C.glBlendFunc(C.GL_SRC_ALPHA, C.GL_ONE_MINUS_SRC_ALPHA)
		} else {
			C.glDisable(C.GL_BLEND)
		}

		verts := quadVertices(q, t.width, t.height)
		C.glBufferData(C.GL_ARRAY_BUFFER, C.GLsizeiptr(len(verts)*4), unsafe.Pointer(&verts[0]), C.GL_STREAM_DRAW)
		C.wm_vertex_attrib(d.posLoc, 2, 16, 0)
		C.wm_vertex_attrib(d.texLoc, 2, 16, 8)
		C.glBindTexture(C.GL_TEXTURE_2D, tex.id)
		C.glDrawArrays(C.GL_TRIANGLE_STRIP, 0, 4)
	}

	C.glDisable(C.GL_BLEND)
	C.glBindFramebuffer(C.GL_FRAMEBUFFER, 0)
	// The compositor samples the buffer as soon as it is attached
	C.glFinish()
	return glError()
}

// Reset implements Device
func (d *eglDevice) Reset() error {
	logger.Warn("Recreating GPU context", "node", d.renderNode)
	if d.context != nil {
		C.eglMakeCurrent(d.display, nil, nil, nil)
		C.eglDestroyContext(d.display, d.context)
		d.context = nil
	}
	return d.initContext()
}

// Close implements Device
func (d *eglDevice) Close() error {
	d.teardown()
	return nil
}

func (d *eglDevice) teardown() {
	if d.display != nil {
		C.eglMakeCurrent(d.display, nil, nil, nil)
		if d.context != nil {
			C.eglDestroyContext(d.display, d.context)
			d.context = nil
		}
		C.eglTerminate(d.display)
		d.display = nil
	}
	if d.gbm != nil {
		C.gbm_device_destroy(d.gbm)
		d.gbm = nil
	}
	if d.nodeFD >= 0 {
		unix.Close(d.nodeFD)
		d.nodeFD = -1
	}
}

type eglTexture struct {
	dev           *eglDevice
	gen           uint64
	id            C.GLuint
	image         C.EGLImageKHR
	width, height int
	frame         *capture.Frame
}

func (t *eglTexture) Width() int  { return t.width }
func (t *eglTexture) Height() int { return t.height }

func (t *eglTexture) Destroy() {
	if t.id != 0 && t.gen == t.dev.generation {
		C.glDeleteTextures(1, &t.id)
	}
	t.id = 0
	if t.image != nil {
		C.wm_destroy_image(t.dev.display, t.image)
		t.image = nil
	}
	if t.frame != nil {
		if err := t.frame.Release(); err != nil {
			logger.Debug("Failed to release frame", "error", err)
		}
		t.frame = nil
	}
}

type eglTarget struct {
	dev           *eglDevice
	gen           uint64
	bo            *C.struct_gbm_bo
	image         C.EGLImageKHR
	rbo, fbo      C.GLuint
	width, height int
	modifier      uint64
	planes        []BufferPlane
	label         string
}

// SetLabel names the target in error messages
func (t *eglTarget) SetLabel(label string) { t.label = label }

func (t *eglTarget) Width() int            { return t.width }
func (t *eglTarget) Height() int           { return t.height }
func (t *eglTarget) Format() uint32        { return FormatXRGB8888 }
func (t *eglTarget) Modifier() uint64      { return t.modifier }
func (t *eglTarget) Planes() []BufferPlane { return t.planes }

func (t *eglTarget) Destroy() {
	if t.gen == t.dev.generation {
		if t.fbo != 0 {
			C.glDeleteFramebuffers(1, &t.fbo)
		}
		if t.rbo != 0 {
			C.glDeleteRenderbuffers(1, &t.rbo)
		}
	}
	t.fbo, t.rbo = 0, 0
	if t.image != nil {
		C.wm_destroy_image(t.dev.display, t.image)
		t.image = nil
	}
	for _, p := range t.planes {
		unix.Close(p.FD)
	}
	t.planes = nil
	if t.bo != nil {
		C.gbm_bo_destroy(t.bo)
		t.bo = nil
	}
}

func linkProgram(vs, fs string) (C.GLuint, error) {
	v, err := compileShader(C.GL_VERTEX_SHADER, vs)
	if err != nil {
		return 0, err
	}
	defer C.glDeleteShader(v)
	f, err := compileShader(C.GL_FRAGMENT_SHADER, fs)
	if err != nil {
		return 0, err
	}
	defer C.glDeleteShader(f)

	program := C.glCreateProgram()
	C.glAttachShader(program, v)
	C.glAttachShader(program, f)
	C.glLinkProgram(program)

	var status C.GLint
	C.glGetProgramiv(program, C.GL_LINK_STATUS, &status)
	if status == 0 {
		C.glDeleteProgram(program)
		return 0, fmt.Errorf("link shader program failed")
	}
	return program, nil
}

func compileShader(kind C.GLenum, source string) (C.GLuint, error) {
	shader := C.glCreateShader(kind)
	src := (*C.GLchar)(unsafe.Pointer(C.CString(source)))
	defer C.free(unsafe.Pointer(src))
	C.glShaderSource(shader, 1, &src, nil)
	C.glCompileShader(shader)

	var status C.GLint
	C.glGetShaderiv(shader, C.GL_COMPILE_STATUS, &status)
	if status == 0 {
		var length C.GLint
		C.glGetShaderiv(shader, C.GL_INFO_LOG_LENGTH, &length)
		msg := "unknown error"
		if length > 1 {
			buf := (*C.GLchar)(C.malloc(C.size_t(length)))
			defer C.free(unsafe.Pointer(buf))
			C.glGetShaderInfoLog(shader, C.GLsizei(length), nil, buf)
			msg = C.GoString((*C.char)(unsafe.Pointer(buf)))
		}
		C.glDeleteShader(shader)
		return 0, fmt.Errorf("compile shader: %s", strings.TrimSpace(msg))
	}
	return shader, nil
}

var attribNames = map[string]*C.GLchar{}

// cstr returns a C string that lives for the whole process
func cstr(s string) *C.GLchar {
	if p, ok := attribNames[s]; ok {
		return p
	}
	p := (*C.GLchar)(unsafe.Pointer(C.CString(s)))
	attribNames[s] = p
	return p
}

func toEGLAttribs(attribs []int32) []C.EGLint {
	out := make([]C.EGLint, len(attribs))
	for i, v := range attribs {
		out[i] = C.EGLint(v)
	}
	return out
}

func classifyEGLError(op string) error {
	code := int(C.eglGetError())
	switch code {
	case eglContextLost:
		return fmt.Errorf("%s: %w", op, ErrDeviceLost)
	case eglBadMatch, eglBadParam, eglBadAlloc:
		return fmt.Errorf("%s: %w (egl error %#x)", op, ErrUnsupportedFormat, code)
	default:
		return fmt.Errorf("%s: egl error %#x", op, code)
	}
}

func glError() error {
	code := int(C.glGetError())
	switch code {
	case C.GL_NO_ERROR:
		return nil
	case glContextLost:
		return ErrDeviceLost
	default:
		return fmt.Errorf("gl error %#x", code)
	}
}

func hasExtension(list, name string) bool {
	for _, ext := range strings.Fields(list) {
		if ext == name {
			return true
		}
	}
	return false
}
